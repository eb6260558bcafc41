package realtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks identify tokens issued by the auth collaborator.
// A nil verifier accepts any identify (dev mode).
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier returns nil when secret is empty.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}
}

// Verify checks an HS256 token whose subject must equal userID.
func (v *TokenVerifier) Verify(token string, userID UserID) error {
	if v == nil {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: token is invalid", ErrUnauthorized)
	}
	if claims.Subject != strconv.FormatInt(int64(userID), 10) {
		return fmt.Errorf("%w: subject mismatch", ErrUnauthorized)
	}
	return nil
}
