package server

import (
	"context"
	"errors"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/query"
	"LendLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errorCodes = []struct {
	target error
	code   codes.Code
}{
	{ledger.ErrStaleNonce, codes.FailedPrecondition},
	{ledger.ErrStateMismatch, codes.FailedPrecondition},
	{core.ErrPoolBusy, codes.Aborted},
	{core.ErrAlreadyExecuted, codes.AlreadyExists},
	{core.ErrDuplicateBlock, codes.AlreadyExists},
	{core.ErrSettlementHalted, codes.Unavailable},
	{core.ErrUnrecoverableReorg, codes.Unavailable},
	{core.ErrSigningUnavailable, codes.Unavailable},
	{ledger.ErrInvalidArgs, codes.InvalidArgument},
	{ledger.ErrInvalidPool, codes.NotFound},
	{state.ErrPoolNotFound, codes.NotFound},
	{state.ErrTxRecordNotFound, codes.NotFound},
	{ledger.ErrTxidNotFound, codes.NotFound},
	{core.ErrBlockNotFound, codes.NotFound},
	{query.ErrNotFound, codes.NotFound},
	{core.ErrUnsupportedAction, codes.InvalidArgument},
	{ledger.ErrBelowMinimum, codes.InvalidArgument},
	{ledger.ErrTooSmallFunds, codes.InvalidArgument},
	{ledger.ErrOfferMismatch, codes.InvalidArgument},
	{ledger.ErrOverflow, codes.InvalidArgument},
	{ledger.ErrEmptyPool, codes.InvalidArgument},
	{ledger.ErrInvalidTxid, codes.InvalidArgument},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus maps a settlement error onto a gRPC status error. Errors that
// already carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			return ec.code
		}
	}
	return codes.Internal
}
