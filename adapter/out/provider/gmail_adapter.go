// Package provider implements the mail connector backends.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const gmailPageSize = 100

// GmailAdapter implements out.MailConnector over the Gmail API. Sync uses
// history-id deltas once an initial listing pass has completed; during the
// initial pass the cursor carries the page token.
type GmailAdapter struct {
	config    *oauth2.Config
	topicName string
	cb        *gobreaker.CircuitBreaker
}

// GmailConfig holds Gmail adapter configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	PubSubTopic  string
}

// NewGmailAdapter creates a Gmail adapter with a circuit breaker around API
// calls.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
			gmail.GmailModifyScope,
		},
		Endpoint: google.Endpoint,
	}

	topic := cfg.PubSubTopic
	if topic == "" {
		topic = fmt.Sprintf("projects/%s/topics/gmail-push", cfg.ProjectID)
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config:    config,
		topicName: topic,
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// OAuthConfig exposes the oauth2 config for the vault's refresh path.
func (a *GmailAdapter) OAuthConfig() *oauth2.Config {
	return a.config
}

func (a *GmailAdapter) getService(ctx context.Context, cred *domain.Credential) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.AccessToken,
		Expiry:      cred.Expiry,
	})))
}

// Folders returns the single logical folder gmail sync operates on; labels
// ride along on each message.
func (a *GmailAdapter) Folders(ctx context.Context, cred *domain.Credential) ([]string, error) {
	return []string{"INBOX"}, nil
}

// FetchPage returns the next page for the cursor. A zero cursor walks the
// mailbox listing page by page; once the listing completes the cursor flips
// to history-id deltas. An expired history id resets the cursor in-band.
func (a *GmailAdapter) FetchPage(ctx context.Context, cred *domain.Credential, folder string, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	svc, err := a.getService(ctx, cred)
	if err != nil {
		return nil, a.wrapError(err, "failed to build gmail client")
	}

	if cursor == nil || cursor.HistoryID == 0 {
		return a.fetchInitialPage(ctx, svc, cursor)
	}
	return a.fetchHistoryPage(ctx, svc, cursor)
}

func (a *GmailAdapter) fetchInitialPage(ctx context.Context, svc *gmail.Service, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	req := svc.Users.Messages.List("me").LabelIds("INBOX").MaxResults(gmailPageSize)
	if cursor != nil && cursor.DeltaLink != "" {
		req = req.PageToken(cursor.DeltaLink)
	}

	var resp *gmail.ListMessagesResponse
	cbErr := a.execute(func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to list messages")
	}

	page := &domain.FetchPage{}
	for _, ref := range resp.Messages {
		raw, err := a.fetchMessage(ctx, svc, ref.Id)
		if err != nil {
			logger.WithError(err).Warn("[Gmail] skipping unreadable message %s", ref.Id)
			continue
		}
		page.Messages = append(page.Messages, raw)
	}

	if resp.NextPageToken != "" {
		page.HasMore = true
		page.NextCursor = domain.SyncCursor{DeltaLink: resp.NextPageToken}
		return page, nil
	}

	// Listing finished; anchor the delta cursor at the mailbox's current
	// history id.
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to anchor history id")
	}
	page.NextCursor = domain.SyncCursor{HistoryID: profile.HistoryId}
	return page, nil
}

func (a *GmailAdapter) fetchHistoryPage(ctx context.Context, svc *gmail.Service, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	req := svc.Users.History.List("me").StartHistoryId(cursor.HistoryID)
	if cursor.DeltaLink != "" {
		req = req.PageToken(cursor.DeltaLink)
	}

	var resp *gmail.ListHistoryResponse
	cbErr := a.execute(func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		if apiErr, ok := asGoogleAPIError(cbErr); ok && apiErr.Code == 404 {
			// History expired: restart from a zero cursor.
			return &domain.FetchPage{
				NextCursor:  domain.SyncCursor{},
				HasMore:     true,
				CursorReset: true,
			}, nil
		}
		return nil, a.wrapError(cbErr, "failed to list history")
	}

	seen := make(map[string]bool)
	page := &domain.FetchPage{}
	for _, history := range resp.History {
		for _, added := range history.MessagesAdded {
			if seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			raw, err := a.fetchMessage(ctx, svc, added.Message.Id)
			if err != nil {
				logger.WithError(err).Warn("[Gmail] skipping unreadable message %s", added.Message.Id)
				continue
			}
			page.Messages = append(page.Messages, raw)
		}
	}

	if resp.NextPageToken != "" {
		page.HasMore = true
		page.NextCursor = domain.SyncCursor{HistoryID: cursor.HistoryID, DeltaLink: resp.NextPageToken}
		return page, nil
	}

	next := cursor.HistoryID
	if resp.HistoryId > next {
		next = resp.HistoryId
	}
	page.NextCursor = domain.SyncCursor{HistoryID: next}
	return page, nil
}

func (a *GmailAdapter) fetchMessage(ctx context.Context, svc *gmail.Service, id string) (*domain.RawMessage, error) {
	var msg *gmail.Message
	cbErr := a.execute(func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get message")
	}
	return gmailToRaw(msg), nil
}

// Send builds an RFC 822 message and submits it.
func (a *GmailAdapter) Send(ctx context.Context, cred *domain.Credential, draft *domain.Draft) (string, error) {
	svc, err := a.getService(ctx, cred)
	if err != nil {
		return "", a.wrapError(err, "failed to build gmail client")
	}

	rfc822 := buildRFC822(draft)
	gmsg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(rfc822)),
	}
	if draft.ThreadKey != "" {
		gmsg.ThreadId = draft.ThreadKey
	}

	var sent *gmail.Message
	cbErr := a.execute(func() error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send("me", gmsg).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return "", a.wrapError(cbErr, "failed to send message")
	}
	return sent.Id, nil
}

// SupportsWatch reports push capability.
func (a *GmailAdapter) SupportsWatch() bool { return true }

// Watch registers the mailbox with the Pub/Sub topic.
func (a *GmailAdapter) Watch(ctx context.Context, cred *domain.Credential, email string) (*domain.WatchSubscription, error) {
	svc, err := a.getService(ctx, cred)
	if err != nil {
		return nil, a.wrapError(err, "failed to build gmail client")
	}

	req := &gmail.WatchRequest{
		TopicName: a.topicName,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmail.WatchResponse
	cbErr := a.execute(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to setup watch")
	}

	return &domain.WatchSubscription{
		Email:      email,
		Provider:   domain.ProviderGmail,
		ExternalID: fmt.Sprintf("%d", resp.HistoryId),
		Expiry:     time.Unix(0, resp.Expiration*int64(time.Millisecond)),
		CreatedAt:  time.Now(),
	}, nil
}

// StopWatch unregisters push delivery for the mailbox.
func (a *GmailAdapter) StopWatch(ctx context.Context, cred *domain.Credential, externalID string) error {
	svc, err := a.getService(ctx, cred)
	if err != nil {
		return a.wrapError(err, "failed to build gmail client")
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return a.wrapError(err, "failed to stop watch")
	}
	return nil
}

// nonCircuitError shields client-side errors from tripping the breaker.
type nonCircuitError struct{ err error }

func (e *nonCircuitError) Error() string { return e.err.Error() }
func (e *nonCircuitError) Unwrap() error { return e.err }

func (a *GmailAdapter) execute(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	return err
}

func asGoogleAPIError(err error) (*googleapi.Error, bool) {
	apiErr, ok := err.(*googleapi.Error)
	return apiErr, ok
}

func (a *GmailAdapter) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := asGoogleAPIError(err); ok {
		switch apiErr.Code {
		case 401:
			return apperr.AuthRevoked("gmail", err)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return apperr.RateLimited("gmail").WithError(err)
			}
			return apperr.AuthRevoked("gmail", err)
		case 429:
			return apperr.RateLimited("gmail").WithError(err)
		}
	}
	return apperr.ProviderError("gmail", fmt.Errorf("%s: %w", msg, err))
}

func gmailToRaw(msg *gmail.Message) *domain.RawMessage {
	raw := &domain.RawMessage{
		MessageKey: msg.Id,
		ThreadKey:  msg.ThreadId,
		Folder:     "INBOX",
		Labels:     msg.LabelIds,
		IsRead:     true,
		ReceivedAt: time.UnixMilli(msg.InternalDate),
	}
	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			raw.IsRead = false
		case "STARRED":
			raw.IsStarred = true
		}
	}

	if msg.Payload == nil {
		raw.ParseFailed = true
		return raw
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "From":
			raw.From = header.Value
		case "To":
			raw.To = splitAddressList(header.Value)
		case "Cc":
			raw.Cc = splitAddressList(header.Value)
		case "Subject":
			raw.Subject = header.Value
		}
	}

	text, html, attachments := walkGmailParts(msg.Payload)
	raw.TextBody = text
	raw.HTMLBody = html
	raw.Attachments = attachments
	if text == "" && html == "" && len(attachments) == 0 {
		raw.ParseFailed = true
	}
	return raw
}

func walkGmailParts(part *gmail.MessagePart) (text, html string, attachments []domain.Attachment) {
	if part == nil {
		return
	}

	if part.Filename != "" && part.Body != nil {
		attachments = append(attachments, domain.Attachment{
			Filename:    part.Filename,
			MIMEType:    part.MimeType,
			Size:        part.Body.Size,
			ProviderRef: part.Body.AttachmentId,
		})
	} else if part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				text += string(decoded)
			case "text/html":
				html += string(decoded)
			}
		}
	}

	for _, child := range part.Parts {
		t, h, atts := walkGmailParts(child)
		text += t
		html += h
		attachments = append(attachments, atts...)
	}
	return
}

func splitAddressList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildRFC822(draft *domain.Draft) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", draft.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(draft.To, ", "))
	if len(draft.Cc) > 0 {
		fmt.Fprintf(&sb, "Cc: %s\r\n", strings.Join(draft.Cc, ", "))
	}
	if draft.InReplyTo != "" {
		fmt.Fprintf(&sb, "In-Reply-To: %s\r\n", draft.InReplyTo)
		fmt.Fprintf(&sb, "References: %s\r\n", draft.InReplyTo)
	}
	fmt.Fprintf(&sb, "Subject: %s\r\n", draft.Subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	if draft.HTMLBody != "" {
		sb.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
		sb.WriteString(draft.HTMLBody)
	} else {
		sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		sb.WriteString(draft.TextBody)
	}
	return sb.String()
}
