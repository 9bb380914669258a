package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livestream/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestJWT_SetsRequester(t *testing.T) {
	svc := auth.NewJWTService("k", "", time.Hour)
	user := uuid.New()
	token, err := svc.Generate(user, "streamer")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", JWT(svc), func(c *gin.Context) {
		req, ok := Requester(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "role": req.Role})
	})

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodGet, "/me", nil)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, httpReq)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), user.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	httpReq = httptest.NewRequest(http.MethodGet, "/me", nil)
	httpReq.Header.Set("Authorization", "Bearer garbage")
	r.ServeHTTP(w, httpReq)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	r := gin.New()
	r.GET("/admin", func(c *gin.Context) {
		c.Set(ContextUserRole, c.Query("role"))
		c.Next()
	}, RequireRole("admin"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin?role=admin", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin?role=viewer", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookSignature(t *testing.T) {
	r := gin.New()
	r.POST("/hook", WebhookSignature("topsecret"), func(c *gin.Context) {
		var body map[string]string
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, body)
	})
	payload := `{"recording_id":"h1"}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(payload))
	req.Header.Set(SignatureHeader, "sha256="+Sign("topsecret", []byte(payload)))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "h1")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(payload))
	req.Header.Set(SignatureHeader, Sign("wrong", []byte(payload)))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORS_Preflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS("http://localhost:3000"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
