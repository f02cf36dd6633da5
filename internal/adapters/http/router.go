package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/groupcall/internal/adapters/coordination"
	"github.com/dkeye/groupcall/internal/app/orch"
	"github.com/dkeye/groupcall/internal/config"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CallController is the part of the orchestrator exposed over HTTP.
type CallController interface {
	Snapshot() (orch.Snapshot, bool)
	Call(callID domain.CallID) (domain.GroupCall, bool)
	RefreshCall(ctx context.Context, callID domain.CallID) (domain.GroupCall, error)
	StartCall(ctx context.Context, chatID domain.ChatID, opts orch.JoinOptions) (domain.CallID, error)
	Join(ctx context.Context, callID domain.CallID, opts orch.JoinOptions) error
	HangUp(ctx context.Context, opts orch.HangUpOptions) error
	Rejoin(ctx context.Context) error
	ToggleMute(ctx context.Context, muted bool) error
	SetInputDevice(ctx context.Context, deviceID string) error
	SetOutputDevice(deviceID string) error
	LoadParticipants(ctx context.Context, limit int) error
	ToggleMuteNewParticipants(ctx context.Context, mute bool) error
	SetParticipantVolume(ctx context.Context, userID domain.UserID, volume int) error
	ToggleParticipantMuted(ctx context.Context, userID domain.UserID, muted bool) error
}

var _ CallController = (*orch.Orchestrator)(nil)

type joinRequest struct {
	Muted       bool   `json:"muted"`
	Confirm     bool   `json:"confirm"`
	InputDevice string `json:"input_device"`
}

type leaveRequest struct {
	Discard bool `json:"discard"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

type devicesRequest struct {
	Input  *string `json:"input"`
	Output *string `json:"output"`
}

type loadRequest struct {
	Limit int `json:"limit"`
}

type muteNewRequest struct {
	Mute bool `json:"mute"`
}

type volumeRequest struct {
	Volume *int `json:"volume"`
}

// RequestIDMiddleware tags every request so log lines of one call can be
// correlated.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// TokenMiddleware requires "Authorization: Bearer <token>" when token is set.
func TokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			log.Warn().Str("module", "adapters.http").Str("ip", c.ClientIP()).Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctrl CallController, joins *RateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	h := &handlers{ctrl: ctrl}
	api := r.Group("/api", TokenMiddleware(cfg.APIToken))

	api.GET("/call", h.current)
	api.GET("/calls/:id", h.call)

	limited := api.Group("", RateLimitMiddleware(joins))
	limited.POST("/calls/:id/join", h.join)
	limited.POST("/chats/:id/call", h.start)

	api.POST("/call/leave", h.leave)
	api.POST("/call/rejoin", h.rejoin)
	api.POST("/call/mute", h.mute)
	api.POST("/call/devices", h.devices)
	api.POST("/call/participants/load", h.load)
	api.POST("/call/mute-new", h.muteNew)
	api.POST("/call/participants/:user/volume", h.volume)
	api.POST("/call/participants/:user/mute", h.muteParticipant)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Bool("auth", cfg.APIToken != "").Msg("router setup")
	return r
}

type handlers struct {
	ctrl CallController
}

func (h *handlers) current(c *gin.Context) {
	snap, ok := h.ctrl.Snapshot()
	if !ok {
		fail(c, orch.ErrNoActiveCall)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) call(c *gin.Context) {
	id := domain.CallID(c.Param("id"))
	if c.Query("refresh") == "" {
		if call, ok := h.ctrl.Call(id); ok {
			c.JSON(http.StatusOK, call)
			return
		}
	}
	call, err := h.ctrl.RefreshCall(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if !bindOptional(c, &req) {
		return
	}
	id := domain.CallID(c.Param("id"))
	err := h.ctrl.Join(c.Request.Context(), id, orch.JoinOptions{
		Muted:       req.Muted,
		Confirmed:   req.Confirm,
		InputDevice: req.InputDevice,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": id})
}

func (h *handlers) start(c *gin.Context) {
	var req joinRequest
	if !bindOptional(c, &req) {
		return
	}
	id, err := h.ctrl.StartCall(c.Request.Context(), domain.ChatID(c.Param("id")), orch.JoinOptions{
		Muted:       req.Muted,
		Confirmed:   req.Confirm,
		InputDevice: req.InputDevice,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": id})
}

func (h *handlers) leave(c *gin.Context) {
	var req leaveRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := h.ctrl.HangUp(c.Request.Context(), orch.HangUpOptions{Discard: req.Discard}); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) rejoin(c *gin.Context) {
	if err := h.ctrl.Rejoin(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.ctrl.ToggleMute(c.Request.Context(), req.Muted); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": req.Muted})
}

func (h *handlers) devices(c *gin.Context) {
	var req devicesRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Input == nil && req.Output == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input or output device required"})
		return
	}
	if req.Input != nil {
		if err := h.ctrl.SetInputDevice(c.Request.Context(), *req.Input); err != nil {
			fail(c, err)
			return
		}
	}
	if req.Output != nil {
		if err := h.ctrl.SetOutputDevice(*req.Output); err != nil {
			fail(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) load(c *gin.Context) {
	var req loadRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := h.ctrl.LoadParticipants(c.Request.Context(), req.Limit); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) muteNew(c *gin.Context) {
	var req muteNewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.ctrl.ToggleMuteNewParticipants(c.Request.Context(), req.Mute); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) volume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Volume == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume required"})
		return
	}
	if err := h.ctrl.SetParticipantVolume(c.Request.Context(), domain.UserID(c.Param("user")), *req.Volume); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) muteParticipant(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.ctrl.ToggleParticipantMuted(c.Request.Context(), domain.UserID(c.Param("user")), req.Muted); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return false
	}
	return true
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Str("module", "adapters.http").
		Str("request_id", c.GetString("request_id")).
		Str("path", c.FullPath()).
		Int("status", status).
		Err(err).
		Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var rpcErr *coordination.RPCError
	switch {
	case errors.Is(err, orch.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, orch.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, orch.ErrMutedByAdmin):
		return http.StatusForbidden
	case errors.Is(err, orch.ErrSelfUnknown):
		return http.StatusPreconditionFailed
	case errors.Is(err, core.ErrMediaAcquisition):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
