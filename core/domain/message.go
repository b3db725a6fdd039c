package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParseFailedSentinel marks content that could not be parsed at fetch time.
// Stored content equal to this value may be overwritten by a later re-fetch.
const ParseFailedSentinel = "[[PARSE_FAILED]]"

// MessageMetadata is the mutable, per-account view of a message: folder
// placement, flags, and addressing. Several metadata rows may reference the
// same content through MessageKey.
type MessageMetadata struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	UserID    uuid.UUID `json:"user_id"`
	// MessageKey is the provider-stable message identifier; content is
	// keyed by this value across accounts.
	MessageKey string   `json:"message_key"`
	ThreadKey  string   `json:"thread_key"`
	Folder     string   `json:"folder"`
	UID        uint32   `json:"uid,omitempty"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Subject    string   `json:"subject"`
	Snippet    string   `json:"snippet"`
	IsRead     bool     `json:"is_read"`
	IsStarred  bool     `json:"is_starred"`
	Labels     []string `json:"labels,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MessageContent is the provider-independent body of a message, stored at
// most once per MessageKey.
type MessageContent struct {
	MessageKey  string       `json:"message_key" bson:"_id"`
	TextBody    string       `json:"text_body" bson:"text_body"`
	HTMLBody    string       `json:"html_body" bson:"html_body"`
	Attachments []Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
	ParseFailed bool         `json:"parse_failed" bson:"parse_failed"`
	UpdatedAt   time.Time    `json:"updated_at" bson:"updated_at"`
}

// Empty reports whether the content has neither body variant, or only the
// parse-failed placeholder.
func (c *MessageContent) Empty() bool {
	if c == nil {
		return true
	}
	if c.ParseFailed {
		return true
	}
	text := strings.TrimSpace(c.TextBody)
	html := strings.TrimSpace(c.HTMLBody)
	if text == ParseFailedSentinel {
		text = ""
	}
	return text == "" && html == ""
}

// Attachment describes one message attachment. Payload bytes stay with the
// provider; only descriptors are stored.
type Attachment struct {
	Filename string `json:"filename" bson:"filename"`
	MIMEType string `json:"mime_type" bson:"mime_type"`
	Size     int64  `json:"size" bson:"size"`
	// ProviderRef locates the payload at the provider (attachment id or
	// MIME part number).
	ProviderRef string `json:"provider_ref,omitempty" bson:"provider_ref,omitempty"`
}

// RawMessage is a fetched message before ingestion: metadata plus whatever
// content the connector managed to parse.
type RawMessage struct {
	MessageKey string
	ThreadKey  string
	Folder     string
	UID        uint32
	From       string
	To         []string
	Cc         []string
	Subject    string
	ReceivedAt time.Time
	IsRead     bool
	IsStarred  bool
	Labels     []string

	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	ParseFailed bool
}

// HasContent reports whether the raw message carries a usable body.
func (m *RawMessage) HasContent() bool {
	return !m.ParseFailed &&
		(strings.TrimSpace(m.TextBody) != "" || strings.TrimSpace(m.HTMLBody) != "")
}

// Draft is an outgoing message handed to a connector's Send.
type Draft struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	ThreadKey   string
	Attachments []Attachment
}
