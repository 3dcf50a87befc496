package event

import (
	"encoding/json"
	"fmt"
)

// Decode rebuilds a settlement event from its logged type and payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypePoolInitialized:
		evt = &PoolInitialized{}
	case EventTypeTxExecuted:
		evt = &TxExecuted{}
	case EventTypeBlockAccepted:
		evt = &BlockAccepted{}
	case EventTypeTxConfirmed:
		evt = &TxConfirmed{}
	case EventTypeTxFinalized:
		evt = &TxFinalized{}
	case EventTypeTxRolledBack:
		evt = &TxRolledBack{}
	case EventTypeReorgRecovered:
		evt = &ReorgRecovered{}
	case EventTypeBlocksReset:
		evt = &BlocksReset{}
	case EventTypeSettlementHalted:
		evt = &SettlementHalted{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
