package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed message")

// Kind selects how a raw orchestrator message is parsed.
type Kind string

const (
	KindBlock    Kind = "NewBlock"
	KindRollback Kind = "RollbackTx"
	KindExecute  Kind = "Execute"
)

// Command is a parsed orchestrator message: one of *BlockCommand,
// *RollbackCommand or *ExecuteCommand.
type Command interface {
	Kind() Kind
}

type BlockCommand struct {
	Block event.Block
}

func (*BlockCommand) Kind() Kind { return KindBlock }

type RollbackCommand struct {
	Txid string
}

func (*RollbackCommand) Kind() Kind { return KindRollback }

type ExecuteCommand struct {
	Request event.ExecuteRequest
}

func (*ExecuteCommand) Kind() Kind { return KindExecute }

// ParseRawEvent converts a RawEvent into a typed command. Every error it
// returns wraps ErrMalformed.
func ParseRawEvent(raw RawEvent) (Command, error) {
	switch raw.Kind {
	case KindBlock:
		return parseBlock(raw.Data)
	case KindRollback:
		return parseRollback(raw.Data)
	case KindExecute:
		return parseExecute(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, raw.Kind)
	}
}

// --- JSON wire formats ---

type blockJSON struct {
	Height         *uint32  `json:"height"`
	Hash           string   `json:"hash"`
	Timestamp      uint64   `json:"timestamp"`
	ConfirmedTxids []string `json:"confirmed_txids"`
}

func parseBlock(data []byte) (*BlockCommand, error) {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse NewBlock: %v", ErrMalformed, err)
	}
	if j.Height == nil {
		return nil, fmt.Errorf("%w: NewBlock missing height", ErrMalformed)
	}
	txids := j.ConfirmedTxids
	if txids == nil {
		txids = []string{}
	}
	block := event.Block{
		Height:         *j.Height,
		Hash:           j.Hash,
		Timestamp:      j.Timestamp,
		ConfirmedTxids: txids,
	}
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("%w: NewBlock: %v", ErrMalformed, err)
	}
	return &BlockCommand{Block: block}, nil
}

type rollbackJSON struct {
	Txid string `json:"txid"`
}

func parseRollback(data []byte) (*RollbackCommand, error) {
	var j rollbackJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse RollbackTx: %v", ErrMalformed, err)
	}
	if err := ledger.ValidateTxid(j.Txid); err != nil {
		return nil, fmt.Errorf("%w: RollbackTx: %v", ErrMalformed, err)
	}
	return &RollbackCommand{Txid: j.Txid}, nil
}

func parseExecute(data []byte) (*ExecuteCommand, error) {
	var p event.ExecuteParams
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse Execute: %v", ErrMalformed, err)
	}
	if err := ledger.ValidateTxid(p.Txid); err != nil {
		return nil, fmt.Errorf("%w: Execute: %v", ErrMalformed, err)
	}
	req, err := p.Request()
	if err != nil {
		return nil, fmt.Errorf("%w: Execute: %v", ErrMalformed, err)
	}
	return &ExecuteCommand{Request: req}, nil
}
