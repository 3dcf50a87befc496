package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"LendLedger/internal/event"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBodyBytes caps request bodies on the HTTP routes.
const maxBodyBytes = 1 << 20

// Handler builds the HTTP/JSON surface: every Exchange route plus
// /healthz and /readyz.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/pools", httpRoute(s, "GetPoolList", none[Empty], (*exchange).getPoolList)},
		{"GET", "/v1/pools/{address}", httpRoute(s, "GetPoolInfo", poolFromPath, (*exchange).getPoolInfo)},
		{"POST", "/v1/pools/{address}/pre_deposit", httpRoute(s, "PreDeposit", amountFromBody, (*exchange).preDeposit)},
		{"POST", "/v1/pools/{address}/pre_borrow", httpRoute(s, "PreBorrow", amountFromBody, (*exchange).preBorrow)},
		{"POST", "/v1/execute", httpRoute(s, "Execute", body[event.ExecuteParams], (*exchange).execute)},
		{"POST", "/v1/blocks", httpRoute(s, "NewBlock", body[event.Block], (*exchange).newBlock)},
		{"GET", "/v1/blocks", httpRoute(s, "GetBlocks", none[Empty], (*exchange).getBlocks)},
		{"GET", "/v1/blocks/{height}", httpRoute(s, "GetBlock", heightFromPath, (*exchange).getBlock)},
		{"POST", "/v1/rollback", httpRoute(s, "RollbackTx", body[TxidRequest], (*exchange).rollbackTx)},
		{"GET", "/v1/txs/unconfirmed", httpRoute(s, "GetUnconfirmedTxs", none[Empty], (*exchange).getUnconfirmedTxs)},
		{"GET", "/v1/minimal_tx_value", httpRoute(s, "GetMinimalTxValue", none[Empty], (*exchange).getMinimalTxValue)},
		{"GET", "/v1/status", httpRoute(s, "Status", none[Empty], (*exchange).getStatus)},
		{"POST", "/v1/admin/reset_blocks", httpRoute(s, "ResetBlocks", none[Empty], (*exchange).resetBlocks)},
		{"POST", "/v1/admin/pools", httpRoute(s, "InitPool", body[InitPoolRequest], (*exchange).initPool)},
		{"GET", "/v1/admin/integrity", httpRoute(s, "VerifyIntegrity", none[Empty], (*exchange).verifyIntegrity)},
		{"POST", "/v1/admin/rebuild_projections", httpRoute(s, "RebuildProjections", none[Empty], (*exchange).rebuildProjections)},
		{"POST", "/v1/admin/snapshot", httpRoute(s, "TakeSnapshot", none[Empty], (*exchange).takeSnapshot)},
		{"GET", "/v1/history/txs/{txid}", httpRoute(s, "GetTxHistory", txidFromPath, (*exchange).getTxHistory)},
		{"GET", "/v1/history/pools/{address}", httpRoute(s, "GetPoolHistory", historyFromQuery, (*exchange).getPoolHistory)},
		{"GET", "/v1/history/pools/{address}/reserve", httpRoute(s, "GetPoolReserve", poolFromPath, (*exchange).getPoolReserve)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", s.rateLimitHTTP(mux))
	return httpMux, nil
}

func (s *GRPCServer) rateLimitHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues("http").Inc()
			}
			writeError(w, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// httpRoute adapts an Exchange method to a gateway handler with the same
// auth, metrics and error mapping as the gRPC path.
func httpRoute[Req any, Resp any](
	s *GRPCServer,
	name string,
	bind func(r *http.Request, params map[string]string, req *Req) error,
	call func(*exchange, context.Context, *Req) (Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := func() (Resp, error) {
			var zero Resp
			if adminMethods[name] {
				if err := s.checkAdmin(r.Header.Get("Authorization")); err != nil {
					return zero, err
				}
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			req := new(Req)
			if err := bind(r, params, req); err != nil {
				return zero, status.Error(codes.InvalidArgument, err.Error())
			}
			resp, err := call(s.exchange, r.Context(), req)
			return resp, toStatus(err)
		}()
		s.observe(name, start, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- binders ---
// Each fills a request from path parameters, the query string or the body.


func none[Req any](*http.Request, map[string]string, *Req) error { return nil }

func body[Req any](r *http.Request, _ map[string]string, req *Req) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func poolFromPath(_ *http.Request, params map[string]string, req *PoolRequest) error {
	req.Address = params["address"]
	return nil
}

func amountFromBody(r *http.Request, params map[string]string, req *AmountRequest) error {
	if err := body(r, params, req); err != nil {
		return err
	}
	req.Address = params["address"]
	return nil
}

func heightFromPath(_ *http.Request, params map[string]string, req *HeightRequest) error {
	h, err := strconv.ParseUint(params["height"], 10, 32)
	if err != nil {
		return fmt.Errorf("height: %w", err)
	}
	req.Height = uint32(h)
	return nil
}

func txidFromPath(_ *http.Request, params map[string]string, req *TxidRequest) error {
	req.Txid = strings.ToLower(params["txid"])
	return nil
}

func historyFromQuery(r *http.Request, params map[string]string, req *PoolHistoryRequest) error {
	req.Address = params["address"]
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("limit: %w", err)
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("before: %w", err)
		}
		req.Before = &n
	}
	return nil
}

// --- responses ---

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
