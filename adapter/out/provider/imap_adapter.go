package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const imapPageSize = 50

// IMAPAdapter implements out.MailConnector over plain IMAP. Each call dials
// a fresh connection from the mailbox config in the credential; no
// per-account state survives between calls. Sending is delegated to the SMTP
// adapter so an IMAP account still satisfies the full connector surface.
type IMAPAdapter struct {
	sender *SMTPAdapter
}

// NewIMAPAdapter creates an IMAP adapter that sends through the given SMTP
// adapter.
func NewIMAPAdapter(sender *SMTPAdapter) *IMAPAdapter {
	return &IMAPAdapter{sender: sender}
}

func (a *IMAPAdapter) connect(cred *domain.Credential) (*imapclient.Client, error) {
	mb := cred.Mailbox
	if mb == nil {
		return nil, apperr.MissingConfig("imap mailbox config")
	}

	addr := fmt.Sprintf("%s:%d", mb.IMAPHost, mb.IMAPPort)

	var (
		client *imapclient.Client
		err    error
	)
	if mb.UseTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "IMAP_CONNECT_FAILED",
			fmt.Sprintf("connect to %s failed", addr), apperr.KindTransient, 502)
	}

	if err := client.Login(mb.Username, mb.Password).Wait(); err != nil {
		client.Close()
		return nil, apperr.AuthRevoked("imap", err)
	}

	return client, nil
}

// Folders lists the selectable mailboxes on the server.
func (a *IMAPAdapter) Folders(ctx context.Context, cred *domain.Credential) ([]string, error) {
	client, err := a.connect(cred)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer client.Logout()

	mailboxes, err := client.List("", "%", nil).Collect()
	if err != nil {
		return nil, apperr.ProviderError("imap", err)
	}

	folders := make([]string, 0, len(mailboxes))
	for _, mb := range mailboxes {
		skip := false
		for _, attr := range mb.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				skip = true
				break
			}
		}
		if !skip {
			folders = append(folders, mb.Mailbox)
		}
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}
	return folders, nil
}

// FetchPage selects the folder, verifies UIDVALIDITY against the cursor, and
// fetches the next window of UIDs above the cursor's LastUID. A UIDVALIDITY
// mismatch returns a cursor-reset page so the caller restarts the folder
// from zero.
func (a *IMAPAdapter) FetchPage(ctx context.Context, cred *domain.Credential, folder string, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	client, err := a.connect(cred)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer client.Logout()

	selected, err := client.Select(folder, nil).Wait()
	if err != nil {
		return nil, apperr.ProviderError("imap", err)
	}

	if cursor != nil && cursor.UIDValidity != 0 && selected.UIDValidity != cursor.UIDValidity {
		logger.Warn("[IMAPAdapter] UIDVALIDITY changed for folder %s (%d -> %d), resetting cursor",
			folder, cursor.UIDValidity, selected.UIDValidity)
		return &domain.FetchPage{
			NextCursor: domain.SyncCursor{
				AccountID:   cursor.AccountID,
				Folder:      folder,
				UIDValidity: selected.UIDValidity,
			},
			HasMore:     true,
			CursorReset: true,
		}, nil
	}

	var lastUID uint32
	var accountID int64
	if cursor != nil {
		lastUID = cursor.LastUID
		accountID = cursor.AccountID
	}

	uids, err := a.searchNewUIDs(client, lastUID)
	if err != nil {
		return nil, err
	}

	page := &domain.FetchPage{
		NextCursor: domain.SyncCursor{
			AccountID:   accountID,
			Folder:      folder,
			UIDValidity: selected.UIDValidity,
			LastUID:     lastUID,
		},
	}
	if len(uids) == 0 {
		return page, nil
	}

	window := uids
	if len(window) > imapPageSize {
		window = window[:imapPageSize]
		page.HasMore = true
	}

	messages, err := a.fetchMessages(client, folder, selected.UIDValidity, window)
	if err != nil {
		return nil, err
	}
	page.Messages = messages
	page.NextCursor.LastUID = uint32(window[len(window)-1])
	return page, nil
}

func (a *IMAPAdapter) searchNewUIDs(client *imapclient.Client, lastUID uint32) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{}
	if lastUID > 0 {
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}},
		}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, apperr.ProviderError("imap", err)
	}

	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (a *IMAPAdapter) fetchMessages(client *imapclient.Client, folder string, uidValidity uint32, uids []imap.UID) ([]*domain.RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOptions)

	var messages []*domain.RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			logger.Warn("[IMAPAdapter] collect failed in folder %s: %v", folder, err)
			continue
		}

		raw := bufferToRaw(buf, folder, uidValidity, buf.FindBodySection(bodySection))
		if raw != nil {
			messages = append(messages, raw)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, apperr.ProviderError("imap", err)
	}
	return messages, nil
}

// Send delegates to the SMTP adapter using the same mailbox credential.
func (a *IMAPAdapter) Send(ctx context.Context, cred *domain.Credential, draft *domain.Draft) (string, error) {
	if a.sender == nil {
		return "", apperr.MissingConfig("smtp sender for imap account")
	}
	return a.sender.Send(ctx, cred, draft)
}

// SupportsWatch reports false; plain IMAP has no push channel here.
func (a *IMAPAdapter) SupportsWatch() bool { return false }

func (a *IMAPAdapter) Watch(ctx context.Context, cred *domain.Credential, email string) (*domain.WatchSubscription, error) {
	return nil, apperr.New("WATCH_UNSUPPORTED", "imap does not support watch subscriptions", apperr.KindPermanent, 400)
}

func (a *IMAPAdapter) StopWatch(ctx context.Context, cred *domain.Credential, externalID string) error {
	return apperr.New("WATCH_UNSUPPORTED", "imap does not support watch subscriptions", apperr.KindPermanent, 400)
}

// bufferToRaw converts one fetched message into a RawMessage. Messages whose
// bodies fail MIME parsing are kept with the parse-failed flag so metadata
// still lands and a later re-fetch can supply content.
func bufferToRaw(buf *imapclient.FetchMessageBuffer, folder string, uidValidity uint32, body []byte) *domain.RawMessage {
	raw := &domain.RawMessage{
		Folder: folder,
		UID:    uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env := buf.Envelope
		raw.Subject = env.Subject
		raw.ReceivedAt = env.Date
		raw.MessageKey = strings.Trim(env.MessageID, "<>")
		if len(env.From) > 0 {
			raw.From = env.From[0].Addr()
		}
		for _, to := range env.To {
			raw.To = append(raw.To, to.Addr())
		}
		for _, cc := range env.Cc {
			raw.Cc = append(raw.Cc, cc.Addr())
		}
		if len(env.InReplyTo) > 0 {
			raw.ThreadKey = strings.Trim(env.InReplyTo[0], "<>")
		}
	}
	if raw.MessageKey == "" {
		// Some servers omit Message-ID; fall back to a stable composite.
		raw.MessageKey = fmt.Sprintf("imap:%s:%d:%d", folder, uidValidity, buf.UID)
	}
	if raw.ThreadKey == "" {
		raw.ThreadKey = raw.MessageKey
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now()
	}

	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			raw.IsRead = true
		case imap.FlagFlagged:
			raw.IsStarred = true
		}
	}

	if len(body) == 0 {
		raw.ParseFailed = true
		return raw
	}

	text, html, attachments, ok := parseMIMEBody(body)
	raw.TextBody = text
	raw.HTMLBody = html
	raw.Attachments = attachments
	raw.ParseFailed = !ok
	return raw
}

// parseMIMEBody extracts the text and html bodies plus attachment
// descriptors from a raw RFC 5322 message. A message that cannot be read as
// MIME at all is treated as plain text when it looks textual, otherwise
// reported as unparseable.
func parseMIMEBody(raw []byte) (textBody, htmlBody string, attachments []domain.Attachment, ok bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && !strings.ContainsRune(trimmed, 0) {
			return trimmed, "", nil, true
		}
		return "", "", nil, false
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			attachments = append(attachments, domain.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     size,
			})
		}
	}

	return textBody, htmlBody, attachments, true
}
