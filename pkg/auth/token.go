package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SessionIDPrefix identifies session identifiers on the wire.
	SessionIDPrefix = "sess_"
	// SessionIDBytes is the entropy behind each session id (256 bits).
	SessionIDBytes = 32
	// InvitationTokenBytes is the entropy behind each invitation token.
	// Hex-encoded it fits the 64-char token column exactly.
	InvitationTokenBytes = 32
)

// TokenGenerator creates the opaque identifiers handed to clients: session
// ids, invitation tokens, and password reset tokens.
type TokenGenerator struct{}

func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// NewSessionID creates a session identifier.
// Format: sess_<base64url(32 random bytes)>
func (tg *TokenGenerator) NewSessionID() (string, error) {
	randomBytes := make([]byte, SessionIDBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return SessionIDPrefix + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// ValidateSessionIDFormat checks a client-supplied session id before any
// database lookup.
func (tg *TokenGenerator) ValidateSessionIDFormat(sessionID string) error {
	if !strings.HasPrefix(sessionID, SessionIDPrefix) {
		return fmt.Errorf("session id must start with %q", SessionIDPrefix)
	}
	encodedPart := strings.TrimPrefix(sessionID, SessionIDPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("session id is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid session id encoding: %w", err)
	}
	return nil
}

// NewInvitationToken creates an invitation token. Hex keeps the token safe
// to embed in invite URLs and email templates.
func (tg *TokenGenerator) NewInvitationToken() (string, error) {
	randomBytes := make([]byte, InvitationTokenBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// NewResetToken creates a password reset token.
func (tg *TokenGenerator) NewResetToken() (string, error) {
	return tg.NewInvitationToken()
}
