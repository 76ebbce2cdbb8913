package connect

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLife is how long a signed token is valid. The API accepts at
// most twenty minutes.
const DefaultTokenLife = 20 * time.Minute

// renewBefore is how long before expiry a token is replaced.
const renewBefore = time.Minute

// Token signs ES256 bearer tokens with an API key.
type Token struct {
	KeyID  string
	Issuer string
	Key    *ecdsa.PrivateKey
	Life   time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// LoadToken reads a .p8 API key from path.
func LoadToken(p8Path, keyID, issuer string) (*Token, error) {
	keyData, err := os.ReadFile(p8Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read p8 key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Token{KeyID: keyID, Issuer: issuer, Key: key}, nil
}

// Bearer returns a valid token, signing a new one when the current one is
// about to expire.
func (t *Token) Bearer() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	if t.token != "" && now.Add(renewBefore).Before(t.expires) {
		return t.token, nil
	}

	life := t.Life
	if life == 0 {
		life = DefaultTokenLife
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    t.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(life)),
		Audience:  jwt.ClaimStrings{"appstoreconnect-v1"},
	})
	token.Header["kid"] = t.KeyID

	signed, err := token.SignedString(t.Key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	t.token = signed
	t.expires = now.Add(life)
	return signed, nil
}
