package auth

import (
	"crypto/ecdsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// personalSign mimics a wallet's personal_sign output (V in 27/28).
func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func fixedVerifier(t *testing.T, now *time.Time) Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.Now = func() time.Time { return *now }
	return v
}

func TestVerifyIssuesCredentialForSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	now := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier(t, &now)

	msg := "Please sign this message to authenticate: 2024-10-01T12:00:00.000Z"
	cred, err := v.Verify(strings.ToLower(addr), msg, personalSign(t, key, msg))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cred.Address != strings.ToLower(addr) {
		t.Fatalf("address = %s, want %s", cred.Address, strings.ToLower(addr))
	}
	if !cred.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires at %v", cred.ExpiresAt)
	}
	got, err := v.Authenticate(cred.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.Address != cred.Address {
		t.Fatalf("authenticated address %s", got.Address)
	}
}

func TestVerifyRejectsMismatch(t *testing.T) {
	signer, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	now := time.Now()
	v := fixedVerifier(t, &now)
	msg := "hello"
	sig := personalSign(t, signer, msg)

	if _, err := v.Verify(crypto.PubkeyToAddress(other.PublicKey).Hex(), msg, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for other address, got %v", err)
	}
	if _, err := v.Verify(crypto.PubkeyToAddress(signer.PublicKey).Hex(), "tampered", sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered message, got %v", err)
	}
	if _, err := v.Verify(crypto.PubkeyToAddress(signer.PublicKey).Hex(), msg, "0x1234"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short signature, got %v", err)
	}
	if _, err := v.Verify("not-an-address", msg, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for bad address, got %v", err)
	}
}

func TestCredentialExpiryBoundary(t *testing.T) {
	now := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier(t, &now)
	cred, err := v.Issue("0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = cred.ExpiresAt.Add(-time.Second)
	if _, err := v.Authenticate(cred.Token); err != nil {
		t.Fatalf("token should be valid one second before expiry: %v", err)
	}
	now = cred.ExpiresAt
	if _, err := v.Authenticate(cred.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("token should be rejected at expiry, got %v", err)
	}
	now = cred.ExpiresAt.Add(time.Minute)
	if _, err := v.Authenticate(cred.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("token should be rejected after expiry, got %v", err)
	}
}

func TestAuthenticateRejectsForeignTokens(t *testing.T) {
	now := time.Now()
	v := fixedVerifier(t, &now)
	if _, err := v.Authenticate(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	other, _ := NewVerifier("another-secret", time.Hour)
	cred, _ := other.Issue("0x00000000000000000000000000000000000000aa")
	if _, err := v.Authenticate(cred.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for foreign secret, got %v", err)
	}
	if _, err := v.Authenticate("garbage"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for garbage, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", time.Hour); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
