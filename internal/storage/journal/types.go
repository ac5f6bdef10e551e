package journal

// ============================================================================
// Journal Type Definitions
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventIngest      EventType = "INGEST"      // New file list ingested
	EventStart       EventType = "START"       // Run started or resumed
	EventProcessed   EventType = "PROCESSED"   // File converted
	EventFailed      EventType = "FAILED"      // File failed definitively
	EventComplete    EventType = "COMPLETE"    // Cursor reached the end
	EventInterrupted EventType = "INTERRUPTED" // Run cancelled between files
	EventReset       EventType = "RESET"       // Job state discarded
)

// Event is one journal record.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	File      string    `json:"file,omitempty"`
	Index     int       `json:"index,omitempty"`
	Count     int       `json:"count,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Checksum  uint32    `json:"checksum"`
}

// EventHandler processes replayed events. Returning an error stops replay.
type EventHandler func(event Event) error
