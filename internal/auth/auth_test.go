package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("s3cret", time.Hour)
	token, err := issuer.GenerateToken(Identity{UserID: "u1", StoreID: "s1"})
	require.NoError(t, err)

	id, err := issuer.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "s1", id.StoreID)
}

func TestTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	issuer := NewTokenIssuer("s3cret", time.Minute)
	token, err := issuer.GenerateToken(Identity{UserID: "u1"})
	require.NoError(t, err)

	_, err = NewTokenIssuer("other", time.Minute).ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	issuer.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = issuer.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.ParseToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestLimiterKey(t *testing.T) {
	assert.Equal(t, "user:u", Identity{UserID: "u", StoreID: "s"}.LimiterKey())
	assert.Equal(t, "store:s", Identity{StoreID: "s"}.LimiterKey())
	assert.Equal(t, "global", ServiceIdentity.LimiterKey())
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u"})
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u", id.UserID)
}

func TestAdminKeyVerifier(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-key"), bcrypt.MinCost)
	require.NoError(t, err)
	v := NewAdminKeyVerifier(string(hash))

	assert.NoError(t, v.Verify("admin-key"))
	assert.ErrorIs(t, v.Verify("wrong"), ErrInvalidAPIKey)
	assert.ErrorIs(t, v.Verify(""), ErrMissingAPIKey)
	assert.ErrorIs(t, NewAdminKeyVerifier("").Verify("x"), ErrInvalidAPIKey)
}

func TestMiddlewareChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer := NewTokenIssuer("s3cret", time.Hour)

	r := gin.New()
	r.Use(CorrelationID(), Bearer(issuer, false))
	r.GET("/who", func(c *gin.Context) {
		id, _ := IdentityFrom(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"user":        id.UserID,
			"correlation": logging.CorrelationID(c.Request.Context()),
		})
	})

	token, err := issuer.GenerateToken(Identity{UserID: "u42"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(CorrelationHeader, "corr-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"u42"`)
	assert.Contains(t, w.Body.String(), `"correlation":"corr-7"`)
	assert.Equal(t, "corr-7", w.Header().Get(CorrelationHeader))
}

func TestBearerRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Bearer(NewTokenIssuer("s", time.Hour), true))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
