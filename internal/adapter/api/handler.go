package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/usecase"
)

// Translator is the synchronous surface the handlers call.
type Translator interface {
	Translate(ctx context.Context, req entity.TranslateRequest) (*entity.TranslateResponse, error)
	TranslateBatch(ctx context.Context, req entity.BatchRequest) (*entity.BatchResponse, error)
	Health(ctx context.Context) usecase.Health
	ResetBreaker(name string) error
	InvalidateCache(ctx context.Context, pattern string) (int, error)
}

// Jobs is the job queue surface.
type Jobs interface {
	Enqueue(ctx context.Context, kind entity.JobKind, userID, userTier string, payload entity.JobPayload, opts entity.JobOptions) (string, error)
	Status(ctx context.Context, id string) (*entity.Job, error)
	Cancel(ctx context.Context, id string) error
}

const (
	headerUserID    = "X-User-ID"
	headerUserTier  = "X-User-Tier"
	headerCacheTier = "X-Cache-Tier"
)

type Handler struct {
	translator Translator
	jobs       Jobs
}

func NewHandler(t Translator, j Jobs) *Handler {
	return &Handler{translator: t, jobs: j}
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(kind entity.ErrorKind) int {
	switch kind {
	case entity.KindValidation:
		return fiber.StatusBadRequest
	case entity.KindNotFound:
		return fiber.StatusNotFound
	case entity.KindBreakerOpen, entity.KindTransient, entity.KindCacheUnavailable:
		return fiber.StatusServiceUnavailable
	case entity.KindBackend:
		return fiber.StatusBadGateway
	case entity.KindTimeout:
		return fiber.StatusGatewayTimeout
	case entity.KindCanceled:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	e := entity.AsError(err)
	status := statusFor(e.Kind)
	msg := e.Error()
	if status == fiber.StatusInternalServerError {
		zap.S().Errorw("request failed", "path", c.Path(), "error", err)
		msg = "internal gateway error"
	}
	return c.Status(status).JSON(fiber.Map{"error": fiber.Map{"kind": e.Kind, "message": msg}})
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": fiber.Map{"kind": entity.KindValidation, "message": "invalid request body"},
	})
}

func user(c *fiber.Ctx) (id, tier string) {
	return c.Get(headerUserID), strings.ToLower(c.Get(headerUserTier))
}

func cacheHeader(c *fiber.Ctx, tier string) {
	if tier == "" {
		tier = "miss"
	}
	c.Set(headerCacheTier, tier)
}

func (h *Handler) Translate(c *fiber.Ctx) error {
	var req entity.TranslateRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	req.UserID, req.UserTier = user(c)

	resp, err := h.translator.Translate(c.UserContext(), req)
	if err != nil {
		return fail(c, err)
	}
	if resp.JobID != "" {
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}
	cacheHeader(c, resp.CacheTier)
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *Handler) TranslateBatch(c *fiber.Ctx) error {
	var req entity.BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	req.UserID, req.UserTier = user(c)

	resp, err := h.translator.TranslateBatch(c.UserContext(), req)
	if err != nil {
		return fail(c, err)
	}
	if resp.JobID != "" {
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}
	cacheHeader(c, resp.CacheTier)
	return c.Status(fiber.StatusOK).JSON(resp)
}

type jobRequest struct {
	Kind entity.JobKind `json:"kind"`
	entity.JobPayload
	Priority    bool `json:"priority"`
	MaxAttempts int  `json:"max_attempts"`
}

func (h *Handler) SubmitJob(c *fiber.Ctx) error {
	var req jobRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	userID, tier := user(c)

	id, err := h.jobs.Enqueue(c.UserContext(), req.Kind, userID, tier, req.JobPayload, entity.JobOptions{
		MaxAttempts: req.MaxAttempts,
		Priority:    req.Priority,
	})
	if err != nil {
		return fail(c, err)
	}
	c.Location("/v1/jobs/" + id)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": id, "status": entity.JobQueued})
}

// ownedJob loads the job named in the path. Jobs of other users read as missing.
func (h *Handler) ownedJob(c *fiber.Ctx) (*entity.Job, error) {
	id := c.Params("id")
	job, err := h.jobs.Status(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if userID, _ := user(c); job.UserID != userID {
		return nil, entity.NewError(entity.KindNotFound, "api.job", "job "+id, nil)
	}
	return job, nil
}

func (h *Handler) JobStatus(c *fiber.Ctx) error {
	job, err := h.ownedJob(c)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(job)
}

func (h *Handler) CancelJob(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return fail(c, err)
	}
	if err := h.jobs.Cancel(c.UserContext(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": c.Params("id"), "cancel_requested": true})
}

func (h *Handler) AdminHealth(c *fiber.Ctx) error {
	return c.JSON(h.translator.Health(c.UserContext()))
}

func (h *Handler) ResetBreaker(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.translator.ResetBreaker(name); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"breaker": name, "state": entity.BreakerClosed})
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

func (h *Handler) InvalidateCache(c *fiber.Ctx) error {
	var req invalidateRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	n, err := h.translator.InvalidateCache(c.UserContext(), req.Pattern)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"pattern": req.Pattern, "deleted": n})
}
