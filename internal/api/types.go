package api

import (
	"time"

	"github.com/satriahrh/voxloop/internal/assets"
)

// DeviceAuthRequest represents the request payload for device authentication
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
}

// DeviceAuthResponse represents the response payload for device authentication
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// HealthResponse reports liveness and offline readiness
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Devices int    `json:"devices"`
	Assets  string `json:"assets,omitempty"`
}

// AssetStatusResponse lists the offline cache state
type AssetStatusResponse struct {
	ManifestVersion string               `json:"manifest_version"`
	Ready           bool                 `json:"ready"`
	Assets          []assets.AssetStatus `json:"assets"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
