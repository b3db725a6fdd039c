package domain

import "time"

// EventType names the realtime events pushed to connected clients.
type EventType string

const (
	EventNewMessage   EventType = "mail.new"
	EventSyncProgress EventType = "sync.progress"
	EventSyncDone     EventType = "sync.done"
	EventSummaryReady EventType = "summary.ready"
)

// RealtimeEvent is one event on a user's notification stream.
type RealtimeEvent struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	AccountID int64     `json:"account_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncProgressPayload reports batch-level progress during an account sync.
type SyncProgressPayload struct {
	Folder   string `json:"folder"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
	HasMore  bool   `json:"has_more"`
}

// NewMessagePayload announces one newly ingested message.
type NewMessagePayload struct {
	MessageKey string `json:"message_key"`
	ThreadKey  string `json:"thread_key"`
	Folder     string `json:"folder"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	Snippet    string `json:"snippet"`
}
