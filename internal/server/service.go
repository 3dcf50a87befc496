package server

import (
	"context"
	"fmt"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/query"
	"LendLedger/internal/state"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "lendledger.v1.Exchange"

// Backend is the settlement engine surface exposed over gRPC and HTTP.
type Backend interface {
	GetPoolList(ctx context.Context) ([]ledger.PoolBasic, error)
	GetPoolInfo(ctx context.Context, address string) (*ledger.PoolInfo, error)
	GetMinimalTxValue() uint64
	PreDeposit(ctx context.Context, address string, amount uint64) (event.DepositOffer, error)
	PreBorrow(ctx context.Context, address string, amount uint64) (event.BorrowOffer, error)
	Execute(ctx context.Context, req event.ExecuteRequest) (*core.ExecuteResult, error)
	OnNewBlock(ctx context.Context, block event.Block) (*core.BlockResult, error)
	OnRollback(ctx context.Context, txid string) (*state.SweepReport, error)
	GetBlocks(ctx context.Context) ([]event.Block, error)
	GetBlock(ctx context.Context, height uint32) (*event.Block, error)
	GetUnconfirmedTxs(ctx context.Context) ([]state.TxRecord, error)
	Status(ctx context.Context) (*core.Status, error)
	ResetBlocks(ctx context.Context) error
	InitPool(ctx context.Context, meta ledger.CoinMeta) (*ledger.PoolInfo, error)
}

// HistoryReader serves the Postgres read models.
type HistoryReader interface {
	GetTxStatus(ctx context.Context, txid string) (*query.TxStatusResponse, error)
	GetPoolHistory(ctx context.Context, address string, limit int, before *int64) (*query.PoolHistoryResponse, error)
	GetPoolReserve(ctx context.Context, address string) (*query.PoolReserveResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// --- Messages ---

type Empty struct{}

type PoolRequest struct {
	Address string `json:"address"`
}

type AmountRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type HeightRequest struct {
	Height uint32 `json:"height"`
}

type TxidRequest struct {
	Txid string `json:"txid"`
}

type PoolHistoryRequest struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
	Before  *int64 `json:"before,omitempty"`
}

type InitPoolRequest struct {
	CollateralID string `json:"collateral_id"`
	Symbol       string `json:"symbol"`
	MinAmount    uint64 `json:"min_amount"`
}

type PoolListResponse struct {
	Pools []ledger.PoolBasic `json:"pools"`
}

type PoolInfoResponse struct {
	Pool *ledger.PoolInfo `json:"pool"`
}

type MinimalTxValueResponse struct {
	Value uint64 `json:"value"`
}

type BlocksResponse struct {
	Blocks []event.Block `json:"blocks"`
}

type UnconfirmedResponse struct {
	Txs []state.TxRecord `json:"txs"`
}

type RollbackResponse struct {
	Txid       string   `json:"txid"`
	RolledBack []string `json:"rolled_back"`
	Failures   []string `json:"failures,omitempty"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// --- Handlers ---

// exchange implements every Exchange method on top of the backend.
type exchange struct {
	backend  Backend
	history  HistoryReader
	rebuild  func(ctx context.Context) error
	snapshot func(ctx context.Context) (int64, error)
}

func (x *exchange) getPoolList(ctx context.Context, _ *Empty) (*PoolListResponse, error) {
	pools, err := x.backend.GetPoolList(ctx)
	if err != nil {
		return nil, err
	}
	if pools == nil {
		pools = []ledger.PoolBasic{}
	}
	return &PoolListResponse{Pools: pools}, nil
}

func (x *exchange) getPoolInfo(ctx context.Context, req *PoolRequest) (*PoolInfoResponse, error) {
	if req.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}
	info, err := x.backend.GetPoolInfo(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	return &PoolInfoResponse{Pool: info}, nil
}

func (x *exchange) preDeposit(ctx context.Context, req *AmountRequest) (*event.DepositOffer, error) {
	offer, err := x.backend.PreDeposit(ctx, req.Address, req.Amount)
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

func (x *exchange) preBorrow(ctx context.Context, req *AmountRequest) (*event.BorrowOffer, error) {
	offer, err := x.backend.PreBorrow(ctx, req.Address, req.Amount)
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

func (x *exchange) execute(ctx context.Context, req *event.ExecuteParams) (*core.ExecuteResult, error) {
	if err := ledger.ValidateTxid(req.Txid); err != nil {
		return nil, err
	}
	r, err := req.Request()
	if err != nil {
		return nil, err
	}
	return x.backend.Execute(ctx, r)
}

func (x *exchange) newBlock(ctx context.Context, req *event.Block) (*core.BlockResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ConfirmedTxids == nil {
		req.ConfirmedTxids = []string{}
	}
	return x.backend.OnNewBlock(ctx, *req)
}

func (x *exchange) rollbackTx(ctx context.Context, req *TxidRequest) (*RollbackResponse, error) {
	if err := ledger.ValidateTxid(req.Txid); err != nil {
		return nil, err
	}
	report, err := x.backend.OnRollback(ctx, req.Txid)
	if err != nil {
		return nil, err
	}
	resp := &RollbackResponse{Txid: req.Txid, RolledBack: report.RolledBack}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	return resp, nil
}

func (x *exchange) getBlocks(ctx context.Context, _ *Empty) (*BlocksResponse, error) {
	blocks, err := x.backend.GetBlocks(ctx)
	if err != nil {
		return nil, err
	}
	if blocks == nil {
		blocks = []event.Block{}
	}
	return &BlocksResponse{Blocks: blocks}, nil
}

func (x *exchange) getBlock(ctx context.Context, req *HeightRequest) (*event.Block, error) {
	return x.backend.GetBlock(ctx, req.Height)
}

func (x *exchange) getUnconfirmedTxs(ctx context.Context, _ *Empty) (*UnconfirmedResponse, error) {
	txs, err := x.backend.GetUnconfirmedTxs(ctx)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []state.TxRecord{}
	}
	return &UnconfirmedResponse{Txs: txs}, nil
}

func (x *exchange) getMinimalTxValue(_ context.Context, _ *Empty) (*MinimalTxValueResponse, error) {
	return &MinimalTxValueResponse{Value: x.backend.GetMinimalTxValue()}, nil
}

func (x *exchange) getStatus(ctx context.Context, _ *Empty) (*core.Status, error) {
	return x.backend.Status(ctx)
}

func (x *exchange) resetBlocks(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := x.backend.ResetBlocks(ctx); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (x *exchange) initPool(ctx context.Context, req *InitPoolRequest) (*PoolInfoResponse, error) {
	id, err := ledger.ParseCoinID(req.CollateralID)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral_id: %v", ledger.ErrInvalidArgs, err)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ledger.ErrInvalidArgs)
	}
	info, err := x.backend.InitPool(ctx, ledger.CoinMeta{ID: id, Symbol: req.Symbol, MinAmount: req.MinAmount})
	if err != nil {
		return nil, err
	}
	return &PoolInfoResponse{Pool: info}, nil
}

func (x *exchange) getTxHistory(ctx context.Context, req *TxidRequest) (*query.TxStatusResponse, error) {
	if x.history == nil {
		return nil, status.Error(codes.Unimplemented, "history requires postgres")
	}
	return x.history.GetTxStatus(ctx, req.Txid)
}

func (x *exchange) getPoolHistory(ctx context.Context, req *PoolHistoryRequest) (*query.PoolHistoryResponse, error) {
	if x.history == nil {
		return nil, status.Error(codes.Unimplemented, "history requires postgres")
	}
	return x.history.GetPoolHistory(ctx, req.Address, req.Limit, req.Before)
}

func (x *exchange) getPoolReserve(ctx context.Context, req *PoolRequest) (*query.PoolReserveResponse, error) {
	if x.history == nil {
		return nil, status.Error(codes.Unimplemented, "history requires postgres")
	}
	return x.history.GetPoolReserve(ctx, req.Address)
}

func (x *exchange) verifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if x.history == nil {
		return nil, status.Error(codes.Unimplemented, "integrity check requires postgres")
	}
	return x.history.VerifyIntegrity(ctx)
}

func (x *exchange) rebuildProjections(ctx context.Context, _ *Empty) (*Empty, error) {
	if x.rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "rebuild requires postgres")
	}
	if err := x.rebuild(ctx); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (x *exchange) takeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if x.snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots require postgres")
	}
	seq, err := x.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

// --- Service descriptor ---

// exchangeService is the handler type of the descriptor; any *exchange
// satisfies it.
type exchangeService interface{}

// adminMethods require the admin bearer token.
var adminMethods = map[string]bool{
	"ResetBlocks":        true,
	"InitPool":           true,
	"VerifyIntegrity":    true,
	"RebuildProjections": true,
	"TakeSnapshot":       true,
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary builds a MethodDesc that decodes Req, runs the interceptor chain
// and maps errors to status codes.
func unary[Req any, Resp any](name string, call func(*exchange, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(*exchange), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeService)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetPoolList", (*exchange).getPoolList),
		unary("GetPoolInfo", (*exchange).getPoolInfo),
		unary("PreDeposit", (*exchange).preDeposit),
		unary("PreBorrow", (*exchange).preBorrow),
		unary("Execute", (*exchange).execute),
		unary("NewBlock", (*exchange).newBlock),
		unary("RollbackTx", (*exchange).rollbackTx),
		unary("GetBlocks", (*exchange).getBlocks),
		unary("GetBlock", (*exchange).getBlock),
		unary("GetUnconfirmedTxs", (*exchange).getUnconfirmedTxs),
		unary("GetMinimalTxValue", (*exchange).getMinimalTxValue),
		unary("Status", (*exchange).getStatus),
		unary("ResetBlocks", (*exchange).resetBlocks),
		unary("InitPool", (*exchange).initPool),
		unary("GetTxHistory", (*exchange).getTxHistory),
		unary("GetPoolHistory", (*exchange).getPoolHistory),
		unary("GetPoolReserve", (*exchange).getPoolReserve),
		unary("VerifyIntegrity", (*exchange).verifyIntegrity),
		unary("RebuildProjections", (*exchange).rebuildProjections),
		unary("TakeSnapshot", (*exchange).takeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendledger/v1/exchange.proto",
}
