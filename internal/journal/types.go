package journal

import (
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records written to a batch journal
// ============================================================================

// EventType defines journal record types
type EventType string

const (
	EventBatchStart EventType = "BATCH_START" // Batch accepted, units enumerated
	EventUnit       EventType = "UNIT"        // One RunUnit reached a terminal state
	EventBatchEnd   EventType = "BATCH_END"   // Batch finished (or was cancelled)
)

// Event is one journal line.
type Event struct {
	Seq       uint64            `json:"seq"`               // Monotonically increasing, starts at 1
	Type      EventType         `json:"type"`              // Record type
	BatchID   string            `json:"batch_id"`          // Owning batch
	Timestamp int64             `json:"timestamp"`         // Unix milliseconds
	Planned   int               `json:"planned,omitempty"` // BATCH_START: number of enumerated units
	Result    *types.UnitResult `json:"result,omitempty"`  // UNIT: the recorded outcome
	Checksum  uint32            `json:"checksum"`          // CRC32 of the record with Checksum zeroed
}

// EventHandler processes one replayed event. Returning an error stops replay.
type EventHandler func(event Event) error
