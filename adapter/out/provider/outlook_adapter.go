package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	// Graph caps mail subscriptions near three days; request slightly under.
	graphSubscriptionTTL = 70 * time.Hour
	graphPageSize        = 50
)

// OutlookAdapter implements out.MailConnector over Microsoft Graph. Sync is
// delta-link based; one delta round trip per page keeps fetches resumable.
type OutlookAdapter struct {
	config     *oauth2.Config
	webhookURL string
}

// OutlookConfig holds Outlook adapter configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string
	// WebhookURL is where Graph delivers change notifications.
	WebhookURL string
}

func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.ReadWrite",
			"https://graph.microsoft.com/Mail.Send",
			"https://graph.microsoft.com/User.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenantID),
	}

	return &OutlookAdapter{config: config, webhookURL: cfg.WebhookURL}
}

// OAuthConfig exposes the oauth2 config for the vault's refresh path.
func (a *OutlookAdapter) OAuthConfig() *oauth2.Config {
	return a.config
}

func (a *OutlookAdapter) client(ctx context.Context, cred *domain.Credential) *http.Client {
	return a.config.Client(ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	})
}

// Folders returns the synced Graph mail folder.
func (a *OutlookAdapter) Folders(ctx context.Context, cred *domain.Credential) ([]string, error) {
	return []string{"inbox"}, nil
}

// FetchPage advances the delta walk one round trip. Cursor.DeltaLink carries
// either the nextLink (mid-walk) or the deltaLink (between walks); an
// expired delta token resets the cursor in-band.
func (a *OutlookAdapter) FetchPage(ctx context.Context, cred *domain.Credential, folder string, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	client := a.client(ctx, cred)

	link := ""
	if cursor != nil {
		link = cursor.DeltaLink
	}
	if !strings.HasPrefix(link, "http") {
		params := url.Values{}
		params.Set("$top", fmt.Sprintf("%d", graphPageSize))
		link = graphBaseURL + "/me/mailFolders/" + folder + "/messages/delta?" + params.Encode()
	}

	var resp struct {
		Value     []graphMessage `json:"value"`
		NextLink  string         `json:"@odata.nextLink"`
		DeltaLink string         `json:"@odata.deltaLink"`
	}
	if err := a.doGet(ctx, client, link, &resp); err != nil {
		if strings.Contains(err.Error(), "resyncRequired") || strings.Contains(err.Error(), "410") {
			return &domain.FetchPage{
				NextCursor:  domain.SyncCursor{},
				HasMore:     true,
				CursorReset: true,
			}, nil
		}
		return nil, err
	}

	page := &domain.FetchPage{}
	for _, msg := range resp.Value {
		if msg.Removed != nil {
			continue
		}
		page.Messages = append(page.Messages, graphToRaw(&msg, folder))
	}

	if resp.NextLink != "" {
		page.HasMore = true
		page.NextCursor = domain.SyncCursor{DeltaLink: resp.NextLink}
	} else {
		page.NextCursor = domain.SyncCursor{DeltaLink: resp.DeltaLink}
	}
	return page, nil
}

// Send submits the draft through /me/sendMail.
func (a *OutlookAdapter) Send(ctx context.Context, cred *domain.Credential, draft *domain.Draft) (string, error) {
	client := a.client(ctx, cred)

	body := map[string]any{
		"message":         draftToGraph(draft),
		"saveToSentItems": true,
	}
	if err := a.doPost(ctx, client, graphBaseURL+"/me/sendMail", body, nil); err != nil {
		return "", err
	}
	// Graph sendMail returns 202 with no body; there is no message id to
	// hand back without a follow-up query.
	return "", nil
}

// SupportsWatch reports push capability.
func (a *OutlookAdapter) SupportsWatch() bool { return a.webhookURL != "" }

// Watch creates a Graph change-notification subscription on the inbox.
func (a *OutlookAdapter) Watch(ctx context.Context, cred *domain.Credential, email string) (*domain.WatchSubscription, error) {
	if a.webhookURL == "" {
		return nil, apperr.MissingConfig("outlook webhook url")
	}
	client := a.client(ctx, cred)

	// Graph echoes clientState verbatim on every notification; a fresh
	// random secret per subscription lets the webhook authenticate it.
	clientState, err := newClientState()
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"changeType":         "created,updated",
		"notificationUrl":    a.webhookURL,
		"resource":           "/me/mailFolders('inbox')/messages",
		"expirationDateTime": time.Now().Add(graphSubscriptionTTL).UTC().Format(time.RFC3339),
		"clientState":        clientState,
	}

	var resp struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := a.doPost(ctx, client, graphBaseURL+"/subscriptions", req, &resp); err != nil {
		return nil, err
	}

	expiry, err := time.Parse(time.RFC3339, resp.ExpirationDateTime)
	if err != nil {
		expiry = time.Now().Add(graphSubscriptionTTL)
	}

	return &domain.WatchSubscription{
		Email:       email,
		Provider:    domain.ProviderOutlook,
		ExternalID:  resp.ID,
		ClientState: clientState,
		Expiry:      expiry,
		CreatedAt:   time.Now(),
	}, nil
}

func newClientState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Internal("failed to generate client state: " + err.Error())
	}
	return hex.EncodeToString(buf), nil
}

// StopWatch deletes the Graph subscription.
func (a *OutlookAdapter) StopWatch(ctx context.Context, cred *domain.Credential, externalID string) error {
	client := a.client(ctx, cred)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, graphBaseURL+"/subscriptions/"+externalID, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return a.wrapError(err, "delete subscription failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}
	return nil
}

func (a *OutlookAdapter) doGet(ctx context.Context, client *http.Client, rawURL string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return a.wrapError(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *OutlookAdapter) doPost(ctx context.Context, client *http.Client, rawURL string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return a.wrapError(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(respBody))
	}
	if result != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *OutlookAdapter) wrapError(err error, msg string) error {
	return apperr.ProviderError("outlook", fmt.Errorf("%s: %w", msg, err))
}

func (a *OutlookAdapter) wrapHTTPError(status int, body string) error {
	switch status {
	case http.StatusUnauthorized:
		return apperr.AuthRevoked("outlook", fmt.Errorf("graph returned 401: %s", body))
	case http.StatusTooManyRequests:
		return apperr.RateLimited("outlook")
	}
	return apperr.ProviderError("outlook", fmt.Errorf("graph returned %d: %s", status, body))
}

type graphMessage struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversationId"`
	InternetMsgID    string            `json:"internetMessageId"`
	Subject          string            `json:"subject"`
	BodyPreview      string            `json:"bodyPreview"`
	Body             graphBody         `json:"body"`
	From             graphRecipient    `json:"from"`
	ToRecipients     []graphRecipient  `json:"toRecipients"`
	CcRecipients     []graphRecipient  `json:"ccRecipients"`
	IsRead           bool              `json:"isRead"`
	Flag             graphFlag         `json:"flag"`
	Categories       []string          `json:"categories"`
	HasAttachments   bool              `json:"hasAttachments"`
	ReceivedDateTime string            `json:"receivedDateTime"`
	Removed          *graphRemovedInfo `json:"@removed,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphFlag struct {
	FlagStatus string `json:"flagStatus"`
}

type graphRemovedInfo struct {
	Reason string `json:"reason"`
}

func graphToRaw(msg *graphMessage, folder string) *domain.RawMessage {
	key := msg.InternetMsgID
	if key == "" {
		key = msg.ID
	}

	raw := &domain.RawMessage{
		MessageKey: key,
		ThreadKey:  msg.ConversationID,
		Folder:     folder,
		From:       msg.From.EmailAddress.Address,
		To:         graphAddresses(msg.ToRecipients),
		Cc:         graphAddresses(msg.CcRecipients),
		Subject:    msg.Subject,
		IsRead:     msg.IsRead,
		IsStarred:  msg.Flag.FlagStatus == "flagged",
		Labels:     msg.Categories,
	}
	if received, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
		raw.ReceivedAt = received
	}

	switch strings.ToLower(msg.Body.ContentType) {
	case "html":
		raw.HTMLBody = msg.Body.Content
	default:
		raw.TextBody = msg.Body.Content
	}
	if raw.TextBody == "" && raw.HTMLBody == "" {
		raw.TextBody = msg.BodyPreview
	}
	return raw
}

func graphAddresses(recipients []graphRecipient) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.EmailAddress.Address != "" {
			out = append(out, r.EmailAddress.Address)
		}
	}
	return out
}

func draftToGraph(draft *domain.Draft) map[string]any {
	contentType := "Text"
	content := draft.TextBody
	if draft.HTMLBody != "" {
		contentType = "HTML"
		content = draft.HTMLBody
	}

	toGraphRecipients := func(addrs []string) []map[string]any {
		out := make([]map[string]any, 0, len(addrs))
		for _, addr := range addrs {
			out = append(out, map[string]any{
				"emailAddress": map[string]any{"address": addr},
			})
		}
		return out
	}

	msg := map[string]any{
		"subject":      draft.Subject,
		"body":         map[string]any{"contentType": contentType, "content": content},
		"toRecipients": toGraphRecipients(draft.To),
	}
	if len(draft.Cc) > 0 {
		msg["ccRecipients"] = toGraphRecipients(draft.Cc)
	}
	if len(draft.Bcc) > 0 {
		msg["bccRecipients"] = toGraphRecipients(draft.Bcc)
	}
	return msg
}
