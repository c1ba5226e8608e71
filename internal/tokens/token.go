// Package tokens manages the lifecycle of device push tokens.
package tokens

import (
	"regexp"
	"strings"
	"time"
)

// DeviceInfo describes the device a token was issued to.
type DeviceInfo struct {
	Platform   string `json:"platform" validate:"omitempty,oneof=ios android web"`
	Model      string `json:"model,omitempty" validate:"max=128"`
	OSVersion  string `json:"os_version,omitempty" validate:"max=64"`
	AppVersion string `json:"app_version,omitempty" validate:"max=64"`
}

// PushToken is a registered device push token.
type PushToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Token     string     `json:"token"`
	Device    DeviceInfo `json:"device"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastUsed  time.Time  `json:"last_used"`
	IsValid   bool       `json:"is_valid"`
}

// Stats summarizes stored tokens.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Stale   int `json:"stale"`
}

const (
	minNativeTokenLen = 100
	maxNativeTokenLen = 4096
)

var (
	expoTokenPattern   = regexp.MustCompile(`^Expo(nent)?PushToken\[[A-Za-z0-9_\-]+\]$`)
	apnsTokenPattern   = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	nativeTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_:\-]+$`)
)

// ValidateFormat reports whether token is a syntactically valid push token:
// an Expo token, a 64 character hex APNs token or an FCM registration token.
func ValidateFormat(token string) bool {
	if token == "" || strings.TrimSpace(token) != token {
		return false
	}
	return expoTokenPattern.MatchString(token) ||
		apnsTokenPattern.MatchString(token) ||
		isNativeToken(token)
}

// isNativeToken checks length first; regexp repeat counts stop at 1000.
func isNativeToken(token string) bool {
	return len(token) >= minNativeTokenLen &&
		len(token) <= maxNativeTokenLen &&
		nativeTokenPattern.MatchString(token)
}

// IsExpoToken reports whether token uses the Expo token grammar.
func IsExpoToken(token string) bool {
	return expoTokenPattern.MatchString(token)
}
