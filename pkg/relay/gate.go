package relay

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/wakarelay/waka-relay/pkg/domain"
)

const basicScheme = "Basic "

// CredentialGate validates the inbound Authorization header against the
// relay-level API key before any forwarding occurs.
type CredentialGate struct {
	require bool
	apiKey  string
	logger  *slog.Logger
}

// NewCredentialGate creates a gate for the configured relay key. When
// require is false the gate admits every request.
func NewCredentialGate(require bool, apiKey string, logger *slog.Logger) *CredentialGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialGate{require: require, apiKey: apiKey, logger: logger}
}

// Admit decides whether the request may be dispatched. A nil return admits.
// The four rejection causes are distinguished by the error code: a missing
// configured key is an operator error (500), everything else is a caller
// error (401).
func (g *CredentialGate) Admit(authorization string) *domain.RelayError {
	if !g.require {
		return nil
	}

	if g.apiKey == "" {
		g.logger.Error("API key enforcement enabled but no key configured")
		return domain.NewServerError("key_not_configured", domain.ErrKeyNotConfigured)
	}

	if authorization == "" {
		g.logger.Info("API key is required but not provided")
		return domain.NewAuthError("key_required", domain.ErrKeyRequired)
	}

	if !strings.HasPrefix(authorization, basicScheme) {
		g.logger.Info("invalid API key format")
		return domain.NewAuthError("key_format", domain.ErrKeyFormat)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authorization, basicScheme))
	if err != nil {
		g.logger.Info("invalid API key encoding")
		return domain.NewAuthError("key_format", domain.ErrKeyFormat)
	}

	if subtle.ConstantTimeCompare(decoded, []byte(g.apiKey)) != 1 {
		g.logger.Info("invalid API key")
		return domain.NewAuthError("key_mismatch", domain.ErrKeyMismatch)
	}

	return nil
}
