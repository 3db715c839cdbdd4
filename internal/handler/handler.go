package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"facekiosk/internal/attendance"
	"facekiosk/internal/auth"
	"facekiosk/internal/camera"
	"facekiosk/internal/kiosk"
)

const maxFrameBytes = 8 << 20

// Kiosk is the session runner driven by the page.
type Kiosk interface {
	Start(ctx context.Context, name string) error
	Stop()
	Status() kiosk.Status
	Records() []attendance.Record
}

// FrameSink receives frames pushed by the browser camera.
type FrameSink interface {
	Put(data []byte) error
}

// Devices persists kiosk devices and their refresh tokens.
type Devices interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string) (string, error)
}

// RecordLister is the admin listing of attendance records.
type RecordLister interface {
	ListRecords(ctx context.Context, userID string, limit, offset int) ([]attendance.Record, error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

type Handler struct {
	kiosk   Kiosk
	frames  FrameSink // nil unless the camera is in push mode
	devices Devices
	records RecordLister
	issuer  *auth.Issuer
	checks  map[string]Check
	log     *slog.Logger
}

// Deps groups what the handlers need.
type Deps struct {
	Kiosk   Kiosk
	Frames  FrameSink
	Devices Devices
	Records RecordLister
	Issuer  *auth.Issuer
	Checks  map[string]Check
	Logger  *slog.Logger
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		kiosk:   d.Kiosk,
		frames:  d.Frames,
		devices: d.Devices,
		records: d.Records,
		issuer:  d.Issuer,
		checks:  d.Checks,
		log:     d.Logger,
	}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{}
	for name, check := range h.checks {
		ok := check(c.Request.Context()) == nil
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusOK {
		body["status"] = "ok"
	} else {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// ---------- Devices ----------

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.devices.UpsertDevice(ctx, req.DeviceID); err != nil {
		h.log.Error("register device failed", "device_id", req.DeviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device registration failed"})
		return
	}
	h.issueTokens(c, req.DeviceID, http.StatusCreated)
}

// RefreshToken rotates a refresh token: the presented token is revoked and a
// new pair is issued.
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := h.issuer.Parse(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	deviceID, err := h.devices.ConsumeRefreshToken(c.Request.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, attendance.ErrTokenRevoked):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	case err != nil:
		h.log.Error("consume refresh token failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token refresh failed"})
		return
	}
	if deviceID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
		return
	}
	h.issueTokens(c, deviceID, http.StatusOK)
}

func (h *Handler) issueTokens(c *gin.Context, deviceID string, status int) {
	tokens, err := h.issuer.Issue(deviceID, auth.RoleKiosk)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.devices.SaveRefreshToken(c.Request.Context(), deviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		h.log.Error("save refresh token failed", "device_id", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(status, tokens)
}

// ---------- Kiosk ----------

func (h *Handler) KioskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.kiosk.Status())
}

func (h *Handler) StartSession(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.kiosk.Start(c.Request.Context(), req.Name)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, h.kiosk.Status())
	case errors.Is(err, kiosk.ErrNameRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, kiosk.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, kiosk.ErrModelsNotLoaded), errors.Is(err, camera.ErrCameraAccess):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "status": h.kiosk.Status()})
	default:
		h.log.Error("start session failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
	}
}

func (h *Handler) StopSession(c *gin.Context) {
	h.kiosk.Stop()
	c.JSON(http.StatusOK, h.kiosk.Status())
}

// PushFrame accepts a camera frame as a raw image body or as the "frame"
// field of a multipart form.
func (h *Handler) PushFrame(c *gin.Context) {
	if h.frames == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "camera is not in push mode"})
		return
	}

	var src io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		file, _, err := c.Request.FormFile("frame")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame file is required"})
			return
		}
		defer file.Close()
		src = file
	}

	data, err := io.ReadAll(io.LimitReader(src, maxFrameBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read frame"})
		return
	}
	if len(data) > maxFrameBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty frame"})
		return
	}

	if err := h.frames.Put(data); err != nil {
		if errors.Is(err, camera.ErrNotActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) KioskRecords(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": h.kiosk.Records()})
}

// ---------- Admin ----------

func (h *Handler) ListRecords(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	records, err := h.records.ListRecords(c.Request.Context(), c.Query("user_id"), limit, offset)
	if err != nil {
		h.log.Error("list records failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "limit": limit, "offset": offset})
}
