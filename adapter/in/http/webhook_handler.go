package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/push"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const (
	defaultIdempotencyTTL = 5 * time.Minute
	defaultSyncLockTTL    = 2 * time.Minute
)

// WebhookMetrics counts webhook dispositions.
type WebhookMetrics struct {
	Processed  int64
	Duplicates int64
	Dropped    int64
	Rejected   int64
}

// WebhookHandler receives provider push notifications. Every inbound request
// is acknowledged with 200 immediately; processing happens after the ack so
// a slow sync never causes provider-side redelivery.
type WebhookHandler struct {
	bridge   *push.Bridge
	redis    *redis.Client
	audience string

	idempotencyTTL time.Duration
	syncLockTTL    time.Duration
	metrics        WebhookMetrics
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(bridge *push.Bridge, redisClient *redis.Client, audience string) *WebhookHandler {
	return &WebhookHandler{
		bridge:         bridge,
		redis:          redisClient,
		audience:       audience,
		idempotencyTTL: defaultIdempotencyTTL,
		syncLockTTL:    defaultSyncLockTTL,
	}
}

// Register mounts the webhook routes.
func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhooks/gmail", h.GmailWebhook)
	app.Post("/api/v1/webhooks/gmail", h.GmailWebhook)
	app.Post("/webhooks/outlook", h.OutlookWebhook)
	app.Post("/api/v1/webhooks/outlook", h.OutlookWebhook)
}

// Metrics returns a snapshot of the webhook counters.
func (h *WebhookHandler) Metrics() WebhookMetrics {
	return WebhookMetrics{
		Processed:  atomic.LoadInt64(&h.metrics.Processed),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Dropped:    atomic.LoadInt64(&h.metrics.Dropped),
		Rejected:   atomic.LoadInt64(&h.metrics.Rejected),
	}
}

func (h *WebhookHandler) idempotencyKey(provider, subject string, marker uint64) string {
	return fmt.Sprintf("webhook:idempotent:%s:%s:%d", provider, subject, marker)
}

// checkIdempotency reports whether this notification was already seen inside
// the dedup window.
func (h *WebhookHandler) checkIdempotency(ctx context.Context, provider, subject string, marker uint64) bool {
	if h.redis == nil {
		return false
	}
	key := h.idempotencyKey(provider, subject, marker)
	ok, err := h.redis.SetNX(ctx, key, "1", h.idempotencyTTL).Result()
	if err != nil || !ok {
		atomic.AddInt64(&h.metrics.Duplicates, 1)
		return true
	}
	return false
}

// verifyPubSubToken checks the OIDC token Pub/Sub attaches to push
// deliveries. Only the audience and issuer claims are checked; the endpoint
// is additionally protected by the unguessable push path.
func (h *WebhookHandler) verifyPubSubToken(c *fiber.Ctx) bool {
	if h.audience == "" {
		return true
	}

	authorization := c.Get("Authorization")
	if !strings.HasPrefix(authorization, "Bearer ") {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(authorization, "Bearer "), claims); err != nil {
		return false
	}

	audience, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, aud := range audience {
		if aud == h.audience {
			return true
		}
	}
	return false
}

// gmailPushEnvelope is the Pub/Sub push wrapper around a Gmail notification.
type gmailPushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotificationData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// GmailWebhook handles Gmail push notifications delivered through Pub/Sub.
// Malformed payloads are logged and dropped with 200 so Pub/Sub does not
// redeliver garbage forever.
func (h *WebhookHandler) GmailWebhook(c *fiber.Ctx) error {
	if !h.verifyPubSubToken(c) {
		atomic.AddInt64(&h.metrics.Rejected, 1)
		logger.Warn("[GmailWebhook] rejected push with bad or missing token")
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	var envelope gmailPushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		atomic.AddInt64(&h.metrics.Dropped, 1)
		logger.WithError(err).Warn("[GmailWebhook] failed to parse envelope")
		return c.SendStatus(fiber.StatusOK)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		atomic.AddInt64(&h.metrics.Dropped, 1)
		logger.WithError(err).Warn("[GmailWebhook] failed to decode payload")
		return c.SendStatus(fiber.StatusOK)
	}

	var notification gmailNotificationData
	if err := json.Unmarshal(data, &notification); err != nil || notification.EmailAddress == "" {
		atomic.AddInt64(&h.metrics.Dropped, 1)
		logger.Warn("[GmailWebhook] unrecognized payload dropped")
		return c.SendStatus(fiber.StatusOK)
	}

	ctx := context.Background()
	if h.checkIdempotency(ctx, "gmail", notification.EmailAddress, notification.HistoryID) {
		logger.Debug("[GmailWebhook] duplicate skipped: historyId=%d", notification.HistoryID)
		return c.SendStatus(fiber.StatusOK)
	}

	atomic.AddInt64(&h.metrics.Processed, 1)

	// Ack first; the bridge hands off to the scheduler without blocking.
	go h.bridge.HandleNotification(&domain.PushNotification{
		Email:     notification.EmailAddress,
		HistoryID: notification.HistoryID,
	})

	return c.SendStatus(fiber.StatusOK)
}

// graphNotification is the Microsoft Graph change notification batch.
type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ChangeType     string `json:"changeType"`
		ClientState    string `json:"clientState"`
		Resource       string `json:"resource"`
		ResourceData   struct {
			ID string `json:"id"`
		} `json:"resourceData"`
	} `json:"value"`
}

// OutlookWebhook handles Graph change notifications. Graph sends a
// validation handshake with a validationToken query parameter that must be
// echoed back as plain text.
func (h *WebhookHandler) OutlookWebhook(c *fiber.Ctx) error {
	if token := c.Query("validationToken"); token != "" {
		c.Set("Content-Type", "text/plain")
		return c.SendString(token)
	}

	var notification graphNotification
	if err := c.BodyParser(&notification); err != nil {
		atomic.AddInt64(&h.metrics.Dropped, 1)
		logger.WithError(err).Warn("[OutlookWebhook] failed to parse notification")
		return c.SendStatus(fiber.StatusOK)
	}

	ctx := context.Background()
	for _, change := range notification.Value {
		sub, ok := h.bridge.ResolveExternal(change.SubscriptionID)
		if !ok {
			atomic.AddInt64(&h.metrics.Dropped, 1)
			logger.Warn("[OutlookWebhook] unknown subscription dropped: %s", change.SubscriptionID)
			continue
		}

		// Graph echoes the clientState registered at subscription time;
		// anything else did not originate from our subscription.
		if sub.ClientState != "" && change.ClientState != sub.ClientState {
			atomic.AddInt64(&h.metrics.Rejected, 1)
			logger.Warn("[OutlookWebhook] rejected change with mismatched clientState for subscription %s", change.SubscriptionID)
			continue
		}

		marker := hashResource(change.ResourceData.ID)
		if h.checkIdempotency(ctx, "outlook", change.SubscriptionID, marker) {
			continue
		}

		atomic.AddInt64(&h.metrics.Processed, 1)
		go h.bridge.HandleNotification(&domain.PushNotification{
			Email:    sub.Email,
			Resource: change.Resource,
		})
	}

	return c.SendStatus(fiber.StatusOK)
}

func hashResource(id string) uint64 {
	if id == "" {
		return uint64(time.Now().UnixNano())
	}
	var h uint64
	for _, ch := range id {
		h = h*31 + uint64(ch)
	}
	return h
}
