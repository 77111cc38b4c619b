package credential

import (
	"strings"
	"time"
)

type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusActive      Status = "active"
	StatusRateLimited Status = "rate_limited"
	StatusDead        Status = "dead"
	StatusChecking    Status = "checking"
)

// Credential is one pooled API secret plus its health record.
type Credential struct {
	Key               string    `json:"key"`
	Status            Status    `json:"status"`
	UsageCount        int       `json:"usage_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	RateLimitResetAt  time.Time `json:"rate_limit_reset_at,omitempty"`
	AddedAt           time.Time `json:"added_at"`
}

// FailureKind is the pool's view of a failed call.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureRateLimit
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimit:
		return "rate_limit"
	case FailureAuth:
		return "auth"
	default:
		return "other"
	}
}

var rateLimitHints = []string{
	"429",
	"quota",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
}

var authHints = []string{
	"401",
	"403",
	"unauthorized",
	"unauthenticated",
	"forbidden",
	"permission",
	"invalid api key",
	"invalid_api_key",
	"api key not valid",
	"api_key_invalid",
	"incorrect api key",
	"authentication",
	"invalid x-api-key",
}

// ClassifyFailure maps a provider error message to a FailureKind.
// Rate-limit hints win over auth hints because quota errors often mention the key.
func ClassifyFailure(errText string) FailureKind {
	msg := strings.ToLower(errText)
	for _, hint := range rateLimitHints {
		if strings.Contains(msg, hint) {
			return FailureRateLimit
		}
	}
	for _, hint := range authHints {
		if strings.Contains(msg, hint) {
			return FailureAuth
		}
	}
	return FailureOther
}

// Mask hides everything but the edges of a secret for logs and listings.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", 4) + key[len(key)-4:]
}
