package provider

import (
	"fmt"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
)

// Factory resolves connectors by provider kind. Adapters are stateless per
// account, so one instance of each is shared across all accounts.
type Factory struct {
	gmail   *GmailAdapter
	outlook *OutlookAdapter
	imap    *IMAPAdapter
	smtp    *SMTPAdapter
}

// FactoryConfig holds all provider configurations.
type FactoryConfig struct {
	Gmail   *GmailConfig
	Outlook *OutlookConfig
}

// NewFactory builds the shared adapter set from configuration.
func NewFactory(cfg *FactoryConfig) *Factory {
	smtp := NewSMTPAdapter()
	return &Factory{
		gmail:   NewGmailAdapter(cfg.Gmail),
		outlook: NewOutlookAdapter(cfg.Outlook),
		imap:    NewIMAPAdapter(smtp),
		smtp:    smtp,
	}
}

// ConnectorFor returns the connector for the given provider kind.
func (f *Factory) ConnectorFor(kind domain.ProviderKind) (out.MailConnector, error) {
	switch kind {
	case domain.ProviderGmail:
		return f.gmail, nil
	case domain.ProviderOutlook:
		return f.outlook, nil
	case domain.ProviderIMAPSMTP:
		return f.imap, nil
	case domain.ProviderSMTP:
		return f.smtp, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", kind)
	}
}

// Gmail exposes the Gmail adapter for OAuth config wiring.
func (f *Factory) Gmail() *GmailAdapter { return f.gmail }

// Outlook exposes the Outlook adapter for OAuth config wiring.
func (f *Factory) Outlook() *OutlookAdapter { return f.outlook }
