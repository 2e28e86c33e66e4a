package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
	"github.com/PaulBabatuyi/swipepay/internal/middleware"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeLister struct {
	gotConv, gotUser, gotCursor string
	gotLimit                    int
	page                        chat.Page
	err                         error
}

func (f *fakeLister) ListMessages(_ context.Context, conv, user, cursor string, limit int) (chat.Page, error) {
	f.gotConv, f.gotUser, f.gotCursor, f.gotLimit = conv, user, cursor, limit
	return f.page, f.err
}

func newRouter(t *testing.T, lister MessageLister, gov middleware.Governor) (*gin.Engine, string) {
	t.Helper()
	jwt := auth.NewJWTManager("test-secret", time.Hour)
	token, _, err := jwt.GenerateToken("u1", "wallet-1")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SessionsOpen.Set(3)
	return New(Options{
		Messages: lister,
		Authn:    jwt,
		Governor: gov,
		Gatherer: reg,
		Metrics:  m,
	}), token
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListMessagesEndpoint(t *testing.T) {
	now := time.Now().UTC()
	lister := &fakeLister{page: chat.Page{
		Messages:   []*data.Message{{ID: "m1", ConversationID: "C", Content: "hi", SentAt: now}},
		NextCursor: "abc",
	}}
	r, token := newRouter(t, lister, nil)

	w := get(r, "/v1/conversations/C/messages?cursor=xyz&limit=10", token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "C", lister.gotConv)
	assert.Equal(t, "u1", lister.gotUser)
	assert.Equal(t, "xyz", lister.gotCursor)
	assert.Equal(t, 10, lister.gotLimit)

	var page chat.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, "abc", page.NextCursor)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m1", page.Messages[0].ID)
}

func TestListMessagesAuthAndErrors(t *testing.T) {
	lister := &fakeLister{}
	r, token := newRouter(t, lister, nil)

	assert.Equal(t, http.StatusUnauthorized, get(r, "/v1/conversations/C/messages", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/v1/conversations/C/messages", "forged").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/v1/conversations/C/messages?limit=abc", token).Code)

	lister.err = apperr.NotFound("conversation not found")
	w := get(r, "/v1/conversations/C/messages", token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "conversation not found")

	lister.err = errors.New("mongo exploded: secret detail")
	w = get(r, "/v1/conversations/C/messages", token)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "secret detail")
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, middleware.Bucket) (middleware.Decision, error) {
	return middleware.Decision{RetryAfter: 5 * time.Second}, nil
}

func TestListMessagesRateLimited(t *testing.T) {
	r, token := newRouter(t, &fakeLister{}, denyAll{})
	w := get(r, "/v1/conversations/C/messages", token)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestWebsocketConnectsAreRateLimited(t *testing.T) {
	limiter := middleware.NewLimiterStore(middleware.Limits{middleware.BucketAuth: 2}, 0)
	t.Cleanup(limiter.Stop)
	served := 0
	r := New(Options{
		WS:       func(w http.ResponseWriter, _ *http.Request) { served++ },
		Governor: limiter,
	})

	assert.Equal(t, http.StatusOK, get(r, "/ws?token=x", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "/ws?token=y", "").Code)
	w := get(r, "/ws?token=z", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 2, served)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newRouter(t, &fakeLister{}, nil)

	w := get(r, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swipepay_realtime_sessions_open 3")

	down := New(Options{Health: func(context.Context) error { return errors.New("db down") }})
	assert.Equal(t, http.StatusServiceUnavailable, get(down, "/healthz", "").Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:      http.StatusBadRequest,
		apperr.KindUnauthenticated: http.StatusUnauthorized,
		apperr.KindAuthorization:   http.StatusForbidden,
		apperr.KindNotFound:        http.StatusNotFound,
		apperr.KindConflict:        http.StatusConflict,
		apperr.KindRateLimited:     http.StatusTooManyRequests,
		apperr.KindUnavailable:     http.StatusServiceUnavailable,
		apperr.KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}
