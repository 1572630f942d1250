// Package auth provides control-channel token helpers.
//
// It intentionally avoids policy decisions: a token is bound to one peer
// process instance and the supervisor decides where it lives.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TokenBytes is the entropy of a generated token; hex encoding doubles it.
const TokenBytes = 32

// MinTokenLen is the shortest token accepted from a token file.
const MinTokenLen = 32

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrTokenTooShort = errors.New("auth: token too short")
)

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken validates against the single token of one peer instance.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// GenerateToken returns a fresh 64-character hex token.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// WriteTokenFile writes token to path readable by the owner only. An existing
// file is replaced, never reused.
func WriteTokenFile(path, token string) error {
	if len(token) < MinTokenLen {
		return ErrTokenTooShort
	}
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("auth: create token file %s: %w", path, err)
	}
	if _, err := f.WriteString(token + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("auth: write token file %s: %w", path, err)
	}
	return f.Close()
}

// ReadTokenFile returns the trimmed token stored at path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if len(token) < MinTokenLen {
		return "", fmt.Errorf("%w: %s", ErrTokenTooShort, path)
	}
	return token, nil
}
