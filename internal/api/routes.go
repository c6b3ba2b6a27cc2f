package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/auth"
	"github.com/satriahrh/voxloop/internal/latency"
	"github.com/satriahrh/voxloop/internal/websocket"
)

// Dependencies are the services the HTTP surface exposes. Gatherer and
// Observer are optional.
type Dependencies struct {
	Hub      *websocket.Hub
	Devices  repositories.DeviceRepository
	Issuer   *auth.Issuer
	Assets   *assets.Cache
	Tracker  *latency.Tracker
	Gatherer prometheus.Gatherer
	Observer assets.PopulateObserver
}

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	h := &handlers{deps: deps, logger: logger}

	// Health check
	e.GET("/health", h.health)

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Device APIs
	v1.POST("/device/auth", h.deviceAuth)

	// Offline assets
	v1.GET("/assets", h.assetStatus)
	v1.POST("/assets/populate", h.populateAssets)
	e.GET("/assets/:id", h.serveAsset)

	// Latency statistics
	v1.GET("/latency", h.latencyStats)
	v1.GET("/latency/recent", h.recentLatency)

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// WebSocket endpoint with JWT validation
	e.GET("/ws", h.websocketWithAuth)
}

func (h *handlers) health(c echo.Context) error {
	status := HealthResponse{Status: "ok", Service: "voxloop"}
	if h.deps.Hub != nil {
		status.Devices = h.deps.Hub.Count()
	}
	if h.deps.Assets != nil {
		if err := h.deps.Assets.CheckReady(c.Request().Context()); err != nil {
			status.Status = "degraded"
			status.Assets = "not_ready"
		} else {
			status.Assets = "ready"
		}
	}
	return c.JSON(http.StatusOK, status)
}

func (h *handlers) deviceAuth(c echo.Context) error {
	var req DeviceAuthRequest

	// Bind and validate request
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	// Validate required fields
	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	device, err := h.deps.Devices.ValidateDevice(req.SerialNumber, req.SecretKey)
	if err != nil {
		h.logger.Warn("Device authentication failed",
			zap.String("serial_number", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	// Generate JWT token for the device
	token, expiresAt, err := h.deps.Issuer.GenerateDeviceToken(device.ID)
	if err != nil {
		h.logger.Error("Failed to generate device token",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.logger.Info("Device authenticated successfully",
		zap.String("device_id", device.ID),
		zap.String("serial_number", device.SerialNumber))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
	})
}

func (h *handlers) assetStatus(c echo.Context) error {
	ctx := c.Request().Context()
	manifest := h.deps.Assets.Manifest()
	return c.JSON(http.StatusOK, AssetStatusResponse{
		ManifestVersion: manifest.Version,
		Ready:           h.deps.Assets.CheckReady(ctx) == nil,
		Assets:          h.deps.Assets.Status(ctx),
	})
}

func (h *handlers) populateAssets(c echo.Context) error {
	result, err := h.deps.Assets.Populate(c.Request().Context())
	if h.deps.Observer != nil {
		h.deps.Observer.RecordPopulate(result, err)
	}
	if err != nil {
		h.logger.Error("Asset population failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "populate_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, result)
}

// serveAsset streams a cached blob. Without a version query the manifest's
// current version is served.
func (h *handlers) serveAsset(c echo.Context) error {
	id := c.Param("id")
	version := c.QueryParam("version")
	contentType := echo.MIMEOctetStream

	if asset, ok := h.deps.Assets.Manifest().Lookup(id); ok {
		if version == "" {
			version = asset.Version
		}
		if asset.ContentType != "" {
			contentType = asset.ContentType
		}
	}
	if version == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "unknown_asset",
			Message: "Asset is not in the manifest",
		})
	}

	blob, err := h.deps.Assets.Get(c.Request().Context(), entities.AssetKey{ID: id, Version: version})
	switch {
	case err == nil:
		return c.Blob(http.StatusOK, contentType, blob)
	case errors.Is(err, domain.ErrAssetMiss):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "asset_not_cached",
			Message: err.Error(),
		})
	default:
		h.logger.Error("Failed to read cached asset", zap.String("asset", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "asset_read_failed",
			Message: "Failed to read cached asset",
		})
	}
}

func (h *handlers) latencyStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Tracker.Stats())
}

func (h *handlers) recentLatency(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Tracker.Recent())
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func (h *handlers) websocketWithAuth(c echo.Context) error {
	// Extract JWT token from Authorization header only
	token, found := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		h.logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	// Validate JWT token
	claims, err := h.deps.Issuer.ValidateToken(token)
	if err != nil {
		h.logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	// Verify this is a device token
	if claims.Role != auth.RoleDevice {
		h.logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only device tokens are allowed for WebSocket connections",
		})
	}

	// Extract device ID from JWT claims
	deviceID := claims.DeviceID
	if deviceID == "" {
		h.logger.Error("WebSocket connection rejected: missing device ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Device ID not found in token",
		})
	}

	h.logger.Info("WebSocket connection authenticated",
		zap.String("device_id", deviceID),
		zap.String("role", claims.Role))

	return h.deps.Hub.HandleWebSocket(c, deviceID)
}
