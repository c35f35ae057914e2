package model

import "time"

// CheckpointRecord is the row shape of the `collection_progress` table.
type CheckpointRecord struct {
	ProgramID      string
	EventType      EventType
	LastSignature  string
	TotalCollected uint64
	UpdatedAt      time.Time
}

func (c *CheckpointRecord) Key() (programID string, eventType EventType) {
	return c.ProgramID, c.EventType
}
