// Package auth guards the screening endpoints with HMAC-signed bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const subjectKey contextKey = "authSubject"

// Subject returns the authenticated token subject stored in ctx.
func Subject(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(subjectKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// Enabled reports whether JWTMiddleware will enforce tokens for secret.
func Enabled(secret string) bool {
	return strings.TrimSpace(secret) != ""
}

// JWTMiddleware validates bearer tokens signed with secret. When secret is
// empty authentication is disabled and every request passes through.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if audience != "" && !containsAudience(claims.Audience, audience) {
			unauthorized(c, "invalid audience")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		ctx := context.WithValue(c.Request.Context(), subjectKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(subjectKey), claims.Subject)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message, "error_type": "AuthenticationError"})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
