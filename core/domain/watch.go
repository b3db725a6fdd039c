package domain

import "time"

// WatchSubscription is one provider-side push registration. Provider watches
// expire on a hard deadline (roughly seven days for Gmail, three for Graph)
// and must be renewed before, not after, expiry.
type WatchSubscription struct {
	AccountID  int64        `json:"account_id"`
	Email      string       `json:"email"`
	Provider   ProviderKind `json:"provider"`
	ExternalID string       `json:"external_id"`
	// ClientState is the per-subscription secret providers echo back on
	// every notification. Deliveries carrying a different value are forged
	// or stale and must be rejected.
	ClientState string    `json:"client_state,omitempty"`
	Expiry      time.Time `json:"expiry"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExpiresWithin reports whether the watch needs renewal inside the lead window.
func (w *WatchSubscription) ExpiresWithin(lead time.Duration) bool {
	return time.Now().Add(lead).After(w.Expiry)
}

// PushNotification is a decoded provider push payload resolved against the
// watch registry.
type PushNotification struct {
	Email     string `json:"email"`
	HistoryID uint64 `json:"history_id,omitempty"`
	// Resource carries the Graph subscription resource for Outlook pushes.
	Resource string `json:"resource,omitempty"`
}
