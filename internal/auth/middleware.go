package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

const CorrelationHeader = "X-Correlation-ID"

// CorrelationID propagates or mints X-Correlation-ID.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationHeader, id)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// Timeout bounds the request context.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Bearer attaches the token identity to the request context when a valid
// token is present. With required set, a missing or bad token is a 401.
func Bearer(issuer *TokenIssuer, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" && !required {
			c.Next()
			return
		}
		id, err := issuer.ParseToken(raw)
		if err != nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"success":    false,
					"error_code": "AUTHENTICATION_FAILED",
					"message":    "Invalid or missing bearer token",
				})
				return
			}
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// AdminKey guards admin routes with the X-API-Key header.
func AdminKey(v *AdminKeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Verify(c.GetHeader("X-API-Key")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success":    false,
				"error_code": "AUTHENTICATION_FAILED",
				"message":    err.Error(),
			})
			return
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), ServiceIdentity))
		c.Next()
	}
}
