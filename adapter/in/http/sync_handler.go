package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/in/worker"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/push"
)

// SyncHandler exposes manual sync triggers and scheduler introspection.
type SyncHandler struct {
	scheduler *worker.Scheduler
	accounts  out.AccountRepository
	bridge    *push.Bridge
}

func NewSyncHandler(scheduler *worker.Scheduler, accounts out.AccountRepository, bridge *push.Bridge) *SyncHandler {
	return &SyncHandler{
		scheduler: scheduler,
		accounts:  accounts,
		bridge:    bridge,
	}
}

// Register mounts the management routes.
func (h *SyncHandler) Register(router fiber.Router) {
	router.Post("/accounts/:id/sync", h.TriggerSync)
	router.Get("/accounts/:id/watch", h.WatchStatus)
	router.Post("/accounts/:id/watch", h.StartWatch)
	router.Delete("/accounts/:id/watch", h.StopWatch)
	router.Get("/scheduler/metrics", h.SchedulerMetrics)
}

// TriggerSync enqueues a user-requested refresh. Manual refreshes jump the
// queue ahead of scheduled work.
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	accountID, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid account id")
	}

	account, err := h.accounts.GetByID(c.Context(), accountID)
	if err != nil {
		return ErrorResponse(c, fiber.StatusNotFound, "account not found")
	}
	if !account.IsActive {
		return ErrorResponse(c, fiber.StatusConflict, "account is deactivated")
	}

	if !h.scheduler.Enqueue(accountID, domain.SyncPriorityCritical) {
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "sync queue is full")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"account_id": accountID,
		"queued":     true,
	})
}

// WatchStatus reports the registered push subscription for the account.
func (h *SyncHandler) WatchStatus(c *fiber.Ctx) error {
	accountID, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid account id")
	}

	sub, ok := h.bridge.Subscription(accountID)
	if !ok {
		return ErrorResponse(c, fiber.StatusNotFound, "no watch registered")
	}
	return SuccessResponse(c, sub)
}

// StartWatch registers a provider push subscription for the account.
func (h *SyncHandler) StartWatch(c *fiber.Ctx) error {
	accountID, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid account id")
	}

	account, err := h.accounts.GetByID(c.Context(), accountID)
	if err != nil {
		return ErrorResponse(c, fiber.StatusNotFound, "account not found")
	}

	if err := h.bridge.StartWatching(c.Context(), account); err != nil {
		return AppErrorResponse(c, err)
	}

	sub, _ := h.bridge.Subscription(accountID)
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// StopWatch drops the provider push subscription for the account.
func (h *SyncHandler) StopWatch(c *fiber.Ctx) error {
	accountID, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid account id")
	}

	if err := h.bridge.StopWatching(c.Context(), accountID); err != nil {
		return AppErrorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SchedulerMetrics reports queue depth and task counters.
func (h *SyncHandler) SchedulerMetrics(c *fiber.Ctx) error {
	return SuccessResponse(c, fiber.Map{
		"queue_depth": h.scheduler.QueueDepth(),
		"running":     h.scheduler.Running(),
		"counters":    h.scheduler.MetricsSnapshot(),
		"watches":     h.bridge.Count(),
	})
}
