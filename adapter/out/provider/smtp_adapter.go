package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// SMTPAdapter implements out.MailConnector for send-only accounts. Fetching
// and watching are rejected with permanent errors so the scheduler never
// retries them.
type SMTPAdapter struct{}

// NewSMTPAdapter creates the send-only SMTP adapter.
func NewSMTPAdapter() *SMTPAdapter {
	return &SMTPAdapter{}
}

// Send submits the draft over an authenticated SMTP session. The returned
// id is the generated Message-ID header since SMTP assigns none.
func (a *SMTPAdapter) Send(ctx context.Context, cred *domain.Credential, draft *domain.Draft) (string, error) {
	mb := cred.Mailbox
	if mb == nil {
		return "", apperr.MissingConfig("smtp mailbox config")
	}
	if len(draft.To) == 0 {
		return "", apperr.MalformedRecord("draft has no recipients")
	}

	addr := fmt.Sprintf("%s:%d", mb.SMTPHost, mb.SMTPPort)
	tlsConfig := &tls.Config{ServerName: mb.SMTPHost}

	var (
		client *smtp.Client
		err    error
	)
	if mb.UseTLS {
		client, err = smtp.DialTLS(addr, tlsConfig)
	} else {
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	}
	if err != nil {
		return "", apperr.Wrap(err, "SMTP_CONNECT_FAILED",
			fmt.Sprintf("connect to %s failed", addr), apperr.KindTransient, 502)
	}
	defer client.Close()

	if err := client.Auth(sasl.NewPlainClient("", mb.Username, mb.Password)); err != nil {
		return "", apperr.AuthRevoked("smtp", err)
	}

	from := draft.From
	if from == "" {
		from = mb.Username
	}
	if err := client.Mail(from, nil); err != nil {
		return "", apperr.ProviderError("smtp", err)
	}

	recipients := append(append([]string{}, draft.To...), draft.Cc...)
	recipients = append(recipients, draft.Bcc...)
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return "", apperr.ProviderError("smtp", err)
		}
	}

	messageID := fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), len(recipients), mb.SMTPHost)

	writer, err := client.Data()
	if err != nil {
		return "", apperr.ProviderError("smtp", err)
	}
	payload := fmt.Sprintf("Message-ID: %s\r\n%s", messageID, buildRFC822(draft))
	if _, err := writer.Write([]byte(payload)); err != nil {
		writer.Close()
		return "", apperr.ProviderError("smtp", err)
	}
	if err := writer.Close(); err != nil {
		return "", apperr.ProviderError("smtp", err)
	}

	if err := client.Quit(); err != nil {
		logger.Warn("[SMTPAdapter] QUIT failed after accepted message: %v", err)
	}
	return messageID, nil
}

// FetchPage always fails; a send-only account has nothing to sync.
func (a *SMTPAdapter) FetchPage(ctx context.Context, cred *domain.Credential, folder string, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	return nil, apperr.FetchUnsupported("smtp")
}

func (a *SMTPAdapter) Folders(ctx context.Context, cred *domain.Credential) ([]string, error) {
	return nil, apperr.FetchUnsupported("smtp")
}

func (a *SMTPAdapter) SupportsWatch() bool { return false }

func (a *SMTPAdapter) Watch(ctx context.Context, cred *domain.Credential, email string) (*domain.WatchSubscription, error) {
	return nil, apperr.New("WATCH_UNSUPPORTED", "smtp does not support watch subscriptions", apperr.KindPermanent, 400)
}

func (a *SMTPAdapter) StopWatch(ctx context.Context, cred *domain.Credential, externalID string) error {
	return apperr.New("WATCH_UNSUPPORTED", "smtp does not support watch subscriptions", apperr.KindPermanent, 400)
}
