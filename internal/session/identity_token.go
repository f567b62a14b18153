package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const identityAudience = "plan-sessions"

// SignIdentity creates a short-lived JWT asserting the acting user id.
func SignIdentity(secret []byte, userID int64, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty session service secret")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Audience:  jwt.ClaimStrings{identityAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	return token.SignedString(secret)
}

// ParseIdentity validates a token produced by SignIdentity and returns its user id.
func ParseIdentity(secret []byte, raw string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(identityAudience),
	)
	if err != nil {
		return 0, fmt.Errorf("invalid identity token: %w", err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identity subject %q: %w", claims.Subject, err)
	}
	return userID, nil
}
