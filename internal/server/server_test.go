package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-test-signing-secret-with-length"

func authedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", RequireAuth(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": userID(c)})
	})
	return r
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	token, err := MintToken(testSecret, "u1", time.Minute)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authedRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u1"`)
}

func TestRequireAuthAcceptsQueryToken(t *testing.T) {
	token, err := MintToken(testSecret, "u2", time.Minute)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	authedRouter().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuthRejects(t *testing.T) {
	cases := map[string]func(r *http.Request){
		"missing header": func(r *http.Request) {},
		"not bearer":     func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
		"garbage token":  func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
		"wrong secret": func(r *http.Request) {
			token, _ := MintToken("some-other-secret-entirely-here", "u1", time.Minute)
			r.Header.Set("Authorization", "Bearer "+token)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			mutate(req)
			authedRouter().ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireAuthRejectsExpired(t *testing.T) {
	token, err := MintToken(testSecret, "u1", -time.Minute)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authedRouter().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestUserRateLimiterBudget(t *testing.T) {
	rl := newUserRateLimiter(5)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.allow("u1"), "start %d should be within budget", i+1)
	}
	assert.False(t, rl.allow("u1"), "6th start within the hour is rejected")
	assert.True(t, rl.allow("u2"), "budgets are per user")
}
