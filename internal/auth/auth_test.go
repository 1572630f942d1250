package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "empty input denied", stored: "abc", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "prefix denied", stored: "abcdef", input: "abc", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestGenerateTokenIsFreshHex(t *testing.T) {
	testlog.Start(t)
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != 2*TokenBytes {
		t.Fatalf("unexpected token length=%d", len(a))
	}
	if a == b {
		t.Fatalf("tokens must not repeat")
	}
	for _, c := range a {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("non-hex rune %q in %q", c, a)
		}
	}
}

func TestTokenFileRoundTripOwnerOnly(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "sc-bridge.token")
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := WriteTokenFile(path, token); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected perm=%o", perm)
	}
	got, err := ReadTokenFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != token {
		t.Fatalf("token mismatch got=%q want=%q", got, token)
	}

	next, _ := GenerateToken()
	if err := WriteTokenFile(path, next); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got, _ := ReadTokenFile(path); got != next {
		t.Fatalf("token file not replaced")
	}
}

func TestTokenFileRejectsShortTokens(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "short.token")
	if err := WriteTokenFile(path, "short"); !errors.Is(err, ErrTokenTooShort) {
		t.Fatalf("expected ErrTokenTooShort, got %v", err)
	}
	if err := os.WriteFile(path, []byte("tiny\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := ReadTokenFile(path); !errors.Is(err, ErrTokenTooShort) {
		t.Fatalf("expected ErrTokenTooShort, got %v", err)
	}
}
