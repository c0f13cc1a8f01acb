package recordings

import (
	"context"
	"time"
)

// Record is the logical recording produced when a turn reaches a terminal
// status. The core hands it off here and keeps no other durable state.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Transcript string    `json:"transcript"`
	Response   string    `json:"response"`
	DurationMS int64     `json:"duration_ms"`
	Language   string    `json:"language"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and lists recording records.
type Store interface {
	Save(ctx context.Context, record Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
