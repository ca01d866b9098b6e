package token

import (
	"testing"
	"time"
)

func TestGenerateVerify(t *testing.T) {
	partnerSecret := []byte("partner-secret")
	serviceSecret := []byte("service-secret")

	tok, err := Generate("partner-1", "dev-1", partnerSecret, serviceSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Verify(tok, partnerSecret, serviceSecret, time.Minute)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.PartnerID != "partner-1" || claims.DeviceID != "dev-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyTampered(t *testing.T) {
	tok, _ := Generate("partner-1", "dev-1", []byte("a"), []byte("b"))
	if _, err := Verify(tok+"x", []byte("a"), []byte("b"), time.Minute); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestVerifyWrongPartnerSecret(t *testing.T) {
	tok, _ := Generate("partner-1", "dev-1", []byte("right"), []byte("svc"))
	if _, err := Verify(tok, []byte("wrong"), []byte("svc"), time.Minute); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestVerifyWrongServiceSecret(t *testing.T) {
	tok, _ := Generate("partner-1", "dev-1", []byte("p"), []byte("svc-1"))
	if _, err := Verify(tok, []byte("p"), []byte("svc-2"), time.Minute); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	tok, err := Generate("partner-1", "", []byte("p"), []byte("s"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := Verify(tok, []byte("p"), []byte("s"), time.Nanosecond); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	for _, tok := range []string{"", "onlyonepart", "a.b.c", "!!.!!"} {
		if _, err := Verify(tok, []byte("p"), []byte("s"), time.Minute); err != ErrInvalid {
			t.Fatalf("token %q: expected ErrInvalid, got %v", tok, err)
		}
	}
}
