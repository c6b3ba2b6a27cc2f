package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleDevice is the only role allowed to open a voice session
	RoleDevice = "device"

	defaultDeviceTTL = 24 * time.Hour
	defaultIssuer    = "voxloop"
	minSecretLength  = 16
)

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Config holds the token signing settings
type Config struct {
	Secret    string        `yaml:"secret"`
	DeviceTTL time.Duration `yaml:"device_ttl"`
	Issuer    string        `yaml:"issuer"`
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if len(config.Secret) < minSecretLength {
		return fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}
	if config.DeviceTTL < 0 {
		return fmt.Errorf("device token ttl must not be negative, got %v", config.DeviceTTL)
	}
	return nil
}

// Issuer signs and verifies device tokens
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer creates a token issuer
func NewIssuer(config Config) (*Issuer, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if config.DeviceTTL == 0 {
		config.DeviceTTL = defaultDeviceTTL
	}
	if config.Issuer == "" {
		config.Issuer = defaultIssuer
	}
	return &Issuer{
		secret: []byte(config.Secret),
		ttl:    config.DeviceTTL,
		issuer: config.Issuer,
		now:    time.Now,
	}, nil
}

// GenerateDeviceToken generates a JWT token for device authentication and
// returns it with its expiry.
func (i *Issuer) GenerateDeviceToken(deviceID string) (string, time.Time, error) {
	if deviceID == "" {
		return "", time.Time{}, errors.New("device ID is required")
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     RoleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
