// Package auth verifies wallet signatures and issues the bearer credentials
// that gate the task API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the credential lifetime when none is configured.
const DefaultTTL = time.Hour

var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnauthenticated   = errors.New("no token provided")
	ErrInvalidCredential = errors.New("invalid or expired token")
)

// Credential binds a wallet address to an issue and expiry time.
type Credential struct {
	Address   string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier recovers signers of personal_sign messages and mints HS256 tokens.
type Verifier struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration) (Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return Verifier{}, errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Verifier{Secret: []byte(secret), TTL: ttl, Now: time.Now}, nil
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify checks that signature over message was produced by address and
// returns a fresh credential for it.
func (v Verifier) Verify(address, message, signature string) (Credential, error) {
	if !common.IsHexAddress(address) {
		return Credential{}, fmt.Errorf("%w: malformed address", ErrInvalidSignature)
	}
	signer, err := RecoverAddress(message, signature)
	if err != nil {
		return Credential{}, err
	}
	if !strings.EqualFold(signer.Hex(), common.HexToAddress(address).Hex()) {
		return Credential{}, fmt.Errorf("%w: signer %s does not match %s", ErrInvalidSignature, signer.Hex(), address)
	}
	return v.Issue(signer.Hex())
}

// Issue mints a credential for address without any signature check.
func (v Verifier) Issue(address string) (Credential, error) {
	// JWT numeric dates have second precision.
	issued := v.now().UTC().Truncate(time.Second)
	ttl := v.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := issued.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strings.ToLower(address),
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign token: %w", err)
	}
	return Credential{
		Address:   claims.Subject,
		Token:     token,
		IssuedAt:  issued,
		ExpiresAt: expires,
	}, nil
}

// Authenticate validates a bearer token. A token is accepted strictly before
// its expiry instant.
func (v Verifier) Authenticate(token string) (Credential, error) {
	if strings.TrimSpace(token) == "" {
		return Credential{}, ErrUnauthenticated
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || !common.IsHexAddress(claims.Subject) {
		return Credential{}, ErrInvalidCredential
	}
	cred := Credential{Address: claims.Subject, Token: token}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// RecoverAddress returns the account that produced an EIP-191 personal_sign
// signature over message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, crypto.SignatureLength)
	}
	// Wallets emit V as 27/28; SigToPub wants the raw recovery id.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
