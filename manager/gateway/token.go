package gateway

import (
	"time"

	"github.com/fernet/fernet-go"
	"github.com/pkg/errors"
)

// ErrInvalidToken is returned for tokens that fail verification, name no
// known issuer key, or have expired.
var ErrInvalidToken = errors.New("invalid gateway token")

// TokenIssuer mints and verifies the bearer tokens gateway processes
// present when connecting. A token is bound to one network; the issuing
// secret stays on the control plane.
type TokenIssuer struct {
	key *fernet.Key
	ttl time.Duration
}

// NewTokenIssuer builds an issuer from a 32-byte secret. ttl bounds token
// age at verification; zero means tokens never expire.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) != 32 {
		return nil, errors.Errorf("token secret must be 32 bytes, got %d", len(secret))
	}
	var key fernet.Key
	copy(key[:], secret)
	if ttl <= 0 {
		// a negative ttl skips the expiry check in fernet
		ttl = -1
	}
	return &TokenIssuer{key: &key, ttl: ttl}, nil
}

// Issue mints a connection token bound to the given network.
func (t *TokenIssuer) Issue(networkID string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(networkID), t.key)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// Verify checks a token and returns the network it is bound to.
func (t *TokenIssuer) Verify(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), t.ttl, []*fernet.Key{t.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
