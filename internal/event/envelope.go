package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for settlement events emitted by the core.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolInitialized
	EventTypeTxExecuted
	EventTypeBlockAccepted
	EventTypeTxConfirmed
	EventTypeTxFinalized
	EventTypeTxRolledBack
	EventTypeReorgRecovered
	EventTypeBlocksReset
	EventTypeSettlementHalted
)

// EventEnvelope wraps every event in the settlement log.
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Unique per envelope; stable across replays of the same log
	EventID uuid.UUID

	// Stable dedup key derived from the payload
	IdempotencyKey string

	EventType EventType

	// Pool context (nil for block-level events)
	PoolAddress *string

	// Block time for block events, wall-clock at execution otherwise
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all settlement payloads implement.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	// PoolAddress returns the pool context (nil for block-level events)
	PoolAddress() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolInitialized:
		return "PoolInitialized"
	case EventTypeTxExecuted:
		return "TxExecuted"
	case EventTypeBlockAccepted:
		return "BlockAccepted"
	case EventTypeTxConfirmed:
		return "TxConfirmed"
	case EventTypeTxFinalized:
		return "TxFinalized"
	case EventTypeTxRolledBack:
		return "TxRolledBack"
	case EventTypeReorgRecovered:
		return "ReorgRecovered"
	case EventTypeBlocksReset:
		return "BlocksReset"
	case EventTypeSettlementHalted:
		return "SettlementHalted"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypePoolInitialized; et <= EventTypeSettlementHalted; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
