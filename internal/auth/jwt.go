package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	// Threads restricts the token to these thread ids. Empty means any thread.
	Threads []string `json:"thr,omitempty"`
}

const issuer = "tako"

var (
	// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
	ErrInvalidToken = errors.New("auth: invalid or expired token") //nolint:gochecknoglobals // sentinel error
	// ErrWeakSecret is returned when signing with a secret shorter than MinSecretLength.
	ErrWeakSecret = errors.New("auth: secret too short") //nolint:gochecknoglobals // sentinel error
)

// MinSecretLength is the shortest HS256 secret accepted for signing.
const MinSecretLength = 32

// IssueToken creates a signed HS256 token for subject.
func IssueToken(secret, subject, role string, threads []string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("auth.IssueToken: %w", ErrWeakSecret)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		Role:    role,
		Threads: threads,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT token string. Returns the embedded claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	return claims, nil
}

// AllowsThread reports whether the token may access threadID.
func (c *Claims) AllowsThread(threadID string) bool {
	return len(c.Threads) == 0 || slices.Contains(c.Threads, threadID)
}
