package auth

import (
	"testing"
	"time"
)

func TestExecutorTokenRoundTrip(t *testing.T) {
	tokens, err := NewExecutorTokens("s3cret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, exp, err := tokens.Generate("bot-1", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}
	claims, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "bot-1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
}

func TestExecutorTokenRejects(t *testing.T) {
	tokens, _ := NewExecutorTokens("s3cret")
	other, _ := NewExecutorTokens("other")

	tok, _, err := other.Generate("bot-1", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := tokens.Verify(tok); err != ErrInvalidToken {
		t.Fatalf("foreign signature: got %v", err)
	}

	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := tokens.Generate("bot-1", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tokens.now = time.Now
	if _, err := tokens.Verify(expired); err != ErrInvalidToken {
		t.Fatalf("expired: got %v", err)
	}
	if _, err := tokens.Verify(""); err != ErrInvalidToken {
		t.Fatalf("empty: got %v", err)
	}
	if _, err := NewExecutorTokens(" "); err == nil {
		t.Fatal("empty secret accepted")
	}
}
