package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123"

func TestIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewIssuer(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	token, expiresAt, err := issuer.GenerateDeviceToken("device-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken failed: %v", err)
	}
	if time.Until(expiresAt) < 23*time.Hour {
		t.Errorf("Expected default 24h expiry, got %v", expiresAt)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.DeviceID != "device-1" || claims.Role != RoleDevice {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestIssuer_RejectsBadTokens(t *testing.T) {
	issuer, _ := NewIssuer(Config{Secret: testSecret, DeviceTTL: time.Minute})
	other, _ := NewIssuer(Config{Secret: "another-secret-value"})

	foreign, _, _ := other.GenerateDeviceToken("device-1")

	expiredIssuer, _ := NewIssuer(Config{Secret: testSecret, DeviceTTL: time.Minute})
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, _ := expiredIssuer.GenerateDeviceToken("device-1")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{DeviceID: "device-1", Role: RoleDevice})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "wrong secret", token: foreign, want: jwt.ErrTokenSignatureInvalid},
		{name: "expired", token: expired, want: jwt.ErrTokenExpired},
		{name: "unsigned", token: unsigned, want: jwt.ErrTokenSignatureInvalid},
		{name: "garbage", token: "not-a-token", want: jwt.ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.ValidateToken(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid", config: Config{Secret: testSecret}},
		{name: "short secret", config: Config{Secret: "short"}, wantErr: true},
		{name: "negative ttl", config: Config{Secret: testSecret, DeviceTTL: -time.Hour}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateConfig(tt.config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
