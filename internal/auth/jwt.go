package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultKid = "default"

// JWTManager signs and validates the session tokens used by the API and the
// realtime hub. It holds a set of HMAC keys indexed by kid so that keys can be
// rotated without invalidating tokens that are still in flight.
type JWTManager struct {
	keys      map[string][]byte // kid -> secret
	activeKid string            // kid used for new tokens
	duration  time.Duration     // token validity period
}

// Claims is the session token payload (user id + wallet address).
type Claims struct {
	UserID string `json:"user_id"`
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager with a single signing key.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{defaultKid: secretKey}, defaultKid, duration)
}

// NewJWTManagerFromKeys returns a manager that signs with activeKid and
// accepts tokens signed by any key in keys.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	m := &JWTManager{
		keys:      make(map[string][]byte, len(keys)),
		activeKid: activeKid,
		duration:  duration,
	}
	for kid, secret := range keys {
		m.keys[kid] = []byte(secret)
	}
	return m
}

// GenerateToken issues a signed token for a user.
func (m *JWTManager) GenerateToken(userID, wallet string) (string, time.Time, error) {
	key, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active signing key %q not configured", m.activeKid)
	}

	now := time.Now()
	expiresAt := now.Add(m.duration)

	claims := &Claims{
		UserID: userID,
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// HS256 with the kid header so VerifyToken can pick the right key
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKid

	tokenString, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// reject anything that is not HMAC, including alg=none
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = m.activeKid
		}
		key, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing user id")
	}
	return claims, nil
}

// Authenticate verifies a token and returns the identity it carries.
func (m *JWTManager) Authenticate(tokenString string) (Identity, error) {
	claims, err := m.VerifyToken(tokenString)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Wallet: claims.Wallet}, nil
}
