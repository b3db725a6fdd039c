package domain

import "time"

// SyncCursor is the per (account, folder) resume position. For IMAP it is
// {UIDValidity, LastUID}; for Gmail the history id; for Outlook the Graph
// delta link. Only the task currently syncing the account updates it.
type SyncCursor struct {
	AccountID int64  `json:"account_id"`
	Folder    string `json:"folder"`

	UIDValidity uint32 `json:"uid_validity,omitempty"`
	LastUID     uint32 `json:"last_uid,omitempty"`
	HistoryID   uint64 `json:"history_id,omitempty"`
	DeltaLink   string `json:"delta_link,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Zero reports whether the cursor carries no resume position yet.
func (c *SyncCursor) Zero() bool {
	return c == nil || (c.LastUID == 0 && c.HistoryID == 0 && c.DeltaLink == "")
}

// FetchPage is one page of messages from a connector plus the cursor to
// persist before requesting the next page. Persisting per page is what makes
// a mid-fetch failure resumable.
type FetchPage struct {
	Messages   []*RawMessage
	NextCursor SyncCursor
	HasMore    bool
	// CursorReset is set when the provider invalidated the previous cursor
	// (IMAP UIDVALIDITY change, expired Gmail history id). The caller must
	// persist the reset cursor and treat the fetch as a full resync.
	CursorReset bool
}

// SyncPriority orders queued sync tasks. Higher runs first.
type SyncPriority int

const (
	SyncPriorityLow SyncPriority = iota
	SyncPriorityNormal
	SyncPriorityHigh
	SyncPriorityCritical
)

func (p SyncPriority) String() string {
	switch p {
	case SyncPriorityLow:
		return "low"
	case SyncPriorityNormal:
		return "normal"
	case SyncPriorityHigh:
		return "high"
	case SyncPriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IngestResult reports what a batch ingestion actually wrote.
type IngestResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}
