package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueVerify(t *testing.T) {
	issuer := NewIssuer("s3cret")
	token, err := issuer.Issue("viewer-1", "tablet", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "viewer-1" || claims.DeviceName != "tablet" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewIssuer("one").Issue("viewer", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := NewIssuer("two").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	issuer := NewIssuer("s3cret")
	issued := time.Now().Add(-2 * time.Hour)
	issuer.now = func() time.Time { return issued }
	token, err := issuer.Issue("viewer", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	issuer.now = time.Now
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected expired token to be rejected, got %v", err)
	}
}

func TestEnabled(t *testing.T) {
	if NewIssuer("").Enabled() {
		t.Error("empty secret should disable pairing")
	}
	var nilIssuer *Issuer
	if nilIssuer.Enabled() {
		t.Error("nil issuer should be disabled")
	}
	if _, err := NewIssuer("x").Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Error("empty token must be rejected")
	}
}
