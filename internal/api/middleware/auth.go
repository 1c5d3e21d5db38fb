package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/propsight/propsight-backend/internal/logger"
)

const (
	AuthSubjectKey = "auth_subject"
	JWTClaimsKey   = "jwt_claims"
)

// AuthConfig holds authentication configuration for the ops endpoints
type AuthConfig struct {
	// JWTSecret is the HMAC signing secret shared with the token issuer
	JWTSecret string
}

// Auth returns a gin middleware validating Bearer JWTs on ops routes
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := authenticate(c.GetHeader("Authorization"), cfg)
		if err != nil {
			logger.Warn("Authentication failed",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Authentication failed",
				},
			})
			return
		}

		c.Set(JWTClaimsKey, claims)
		if claims.Subject != "" {
			c.Set(AuthSubjectKey, claims.Subject)
		}

		c.Next()
	}
}

// authenticate validates the Authorization header and returns the JWT claims
func authenticate(authHeader string, cfg AuthConfig) (*jwt.RegisteredClaims, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret not configured")
	}

	if authHeader == "" {
		return nil, errors.New("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, errors.New("invalid Authorization header format")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
