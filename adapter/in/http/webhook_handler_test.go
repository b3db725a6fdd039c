package http

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/push"
)

type stubEnqueuer struct {
	enqueued chan int64
}

func (s *stubEnqueuer) Enqueue(accountID int64, _ domain.SyncPriority) bool {
	select {
	case s.enqueued <- accountID:
	default:
	}
	return true
}

type webhookFixture struct {
	app      *fiber.App
	handler  *WebhookHandler
	bridge   *push.Bridge
	enqueuer *stubEnqueuer
}

func newWebhookApp(t *testing.T, audience string) (*fiber.App, *WebhookHandler) {
	t.Helper()
	fx := newWebhookFixture(t, audience)
	return fx.app, fx.handler
}

func newWebhookFixture(t *testing.T, audience string) *webhookFixture {
	t.Helper()
	enqueuer := &stubEnqueuer{enqueued: make(chan int64, 8)}
	bridge := push.NewBridge(nil, nil, nil, enqueuer)
	handler := NewWebhookHandler(bridge, nil, audience)
	app := fiber.New()
	handler.Register(app)
	return &webhookFixture{app: app, handler: handler, bridge: bridge, enqueuer: enqueuer}
}

func gmailEnvelope(t *testing.T, email string, historyID uint64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"emailAddress": email, "historyId": historyID})
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "m-1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

// TestGmailWebhookAcksValidPush verifies a well-formed push is acknowledged
// with 200 and counted as processed.
func TestGmailWebhookAcksValidPush(t *testing.T) {
	app, handler := newWebhookApp(t, "")

	req := httptest.NewRequest("POST", "/webhooks/gmail", bytes.NewReader(gmailEnvelope(t, "user@example.com", 12345)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if m := handler.Metrics(); m.Processed != 1 {
		t.Errorf("processed = %d, want 1", m.Processed)
	}
}

// TestGmailWebhookDropsMalformedPayload verifies garbage payloads are dropped
// with 200 so the provider stops redelivering them.
func TestGmailWebhookDropsMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("this is not json")},
		{"bad base64", []byte(`{"message":{"data":"!!!not-base64!!!"}}`)},
		{"missing address", []byte(`{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"historyId":5}`)) + `"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, handler := newWebhookApp(t, "")

			req := httptest.NewRequest("POST", "/webhooks/gmail", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != fiber.StatusOK {
				t.Errorf("status = %d, want 200 even for garbage", resp.StatusCode)
			}
			m := handler.Metrics()
			if m.Dropped != 1 || m.Processed != 0 {
				t.Errorf("metrics = %+v, want 1 dropped / 0 processed", m)
			}
		})
	}
}

// TestGmailWebhookRejectsBadToken verifies pushes without a matching audience
// claim are rejected when verification is configured.
func TestGmailWebhookRejectsBadToken(t *testing.T) {
	app, handler := newWebhookApp(t, "https://push.example.com/webhooks/gmail")

	body := gmailEnvelope(t, "user@example.com", 1)

	// No Authorization header at all.
	req := httptest.NewRequest("POST", "/webhooks/gmail", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// Token with the wrong audience.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "https://other.example.com",
	}).SignedString([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest("POST", "/webhooks/gmail", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	if m := handler.Metrics(); m.Rejected != 2 {
		t.Errorf("rejected = %d, want 2", m.Rejected)
	}
}

// TestGmailWebhookAcceptsMatchingAudience verifies a token whose audience
// matches the configured endpoint passes verification.
func TestGmailWebhookAcceptsMatchingAudience(t *testing.T) {
	audience := "https://push.example.com/webhooks/gmail"
	app, handler := newWebhookApp(t, audience)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": audience,
	}).SignedString([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/webhooks/gmail", bytes.NewReader(gmailEnvelope(t, "user@example.com", 7)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if m := handler.Metrics(); m.Processed != 1 {
		t.Errorf("processed = %d, want 1", m.Processed)
	}
}

// TestOutlookWebhookEchoesValidationToken verifies the Graph subscription
// handshake is answered with the raw token as plain text.
func TestOutlookWebhookEchoesValidationToken(t *testing.T) {
	app, _ := newWebhookApp(t, "")

	req := httptest.NewRequest("POST", "/webhooks/outlook?validationToken=handshake-token-42", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "handshake-token-42" {
		t.Errorf("body = %q, want the raw validation token", body)
	}
}

// TestOutlookWebhookDropsUnknownSubscription verifies a notification for an
// unregistered subscription id is dropped with 200.
func TestOutlookWebhookDropsUnknownSubscription(t *testing.T) {
	app, handler := newWebhookApp(t, "")

	body, _ := json.Marshal(map[string]any{
		"value": []map[string]any{{
			"subscriptionId": "unknown-sub",
			"changeType":     "created",
			"clientState":    "whatever",
			"resource":       "Users/u/Messages/m",
		}},
	})
	req := httptest.NewRequest("POST", "/webhooks/outlook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	m := handler.Metrics()
	if m.Dropped != 1 || m.Processed != 0 {
		t.Errorf("metrics = %+v, want 1 dropped / 0 processed", m)
	}
}

// TestOutlookWebhookRoutesEchoedClientState verifies a notification echoing
// the clientState registered at subscription time reaches the scheduler.
func TestOutlookWebhookRoutesEchoedClientState(t *testing.T) {
	fx := newWebhookFixture(t, "")
	fx.bridge.RegisterWatch(&domain.WatchSubscription{
		AccountID:   11,
		Email:       "user@example.com",
		Provider:    domain.ProviderOutlook,
		ExternalID:  "sub-1",
		ClientState: "cs-secret",
		Expiry:      time.Now().Add(48 * time.Hour),
	})

	body, _ := json.Marshal(map[string]any{
		"value": []map[string]any{{
			"subscriptionId": "sub-1",
			"changeType":     "created",
			"clientState":    "cs-secret",
			"resource":       "Users/u/Messages/m",
		}},
	})
	req := httptest.NewRequest("POST", "/webhooks/outlook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if m := fx.handler.Metrics(); m.Processed != 1 || m.Rejected != 0 {
		t.Fatalf("metrics = %+v, want 1 processed / 0 rejected", m)
	}
	select {
	case accountID := <-fx.enqueuer.enqueued:
		if accountID != 11 {
			t.Errorf("enqueued account %d, want 11", accountID)
		}
	case <-time.After(time.Second):
		t.Error("notification never reached the scheduler")
	}
}

// TestOutlookWebhookRejectsWrongClientState verifies a notification whose
// clientState does not match the registered subscription never reaches the
// bridge.
func TestOutlookWebhookRejectsWrongClientState(t *testing.T) {
	fx := newWebhookFixture(t, "")
	fx.bridge.RegisterWatch(&domain.WatchSubscription{
		AccountID:   11,
		Email:       "user@example.com",
		Provider:    domain.ProviderOutlook,
		ExternalID:  "sub-1",
		ClientState: "cs-secret",
		Expiry:      time.Now().Add(48 * time.Hour),
	})

	body, _ := json.Marshal(map[string]any{
		"value": []map[string]any{{
			"subscriptionId": "sub-1",
			"clientState":    "forged",
		}},
	})
	req := httptest.NewRequest("POST", "/webhooks/outlook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	m := fx.handler.Metrics()
	if m.Rejected != 1 || m.Processed != 0 {
		t.Errorf("metrics = %+v, want 1 rejected / 0 processed", m)
	}
	select {
	case <-fx.enqueuer.enqueued:
		t.Error("forged notification reached the scheduler")
	case <-time.After(50 * time.Millisecond):
	}
}
