package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorAppError(t *testing.T) {
	rr := httptest.NewRecorder()
	base := NewAppError(CodeNotFound, "shift not found", http.StatusNotFound, errors.New("no rows"))
	WriteError(rr, fmt.Errorf("wrapped: %w", base.WithDetails(map[string]string{"id": "x"})))

	require.Equal(t, http.StatusNotFound, rr.Code)
	var body struct {
		Error ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, CodeNotFound, body.Error.Code)
	require.Equal(t, "shift not found", body.Error.Message)
	require.NotNil(t, body.Error.Details)
	require.Nil(t, base.Details)
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, errors.New("pq: connection refused"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "connection refused")
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=3&limit=500", nil)
	page, perPage := ParsePagination(req, 20, 100)
	require.Equal(t, 3, page)
	require.Equal(t, 100, perPage)

	req = httptest.NewRequest(http.MethodGet, "/?page=-1&limit=abc", nil)
	page, perPage = ParsePagination(req, 20, 100)
	require.Equal(t, 1, page)
	require.Equal(t, 20, perPage)

	p := NewPagination(3, 20, 41)
	require.Equal(t, 3, p.TotalPages)
	require.Equal(t, 40, p.Offset())
}

func TestIdempotencyMiddlewareReplaysResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	calls := 0
	fail := false
	h := Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if fail {
			JSONError(w, http.StatusInternalServerError, CodeInternal, "boom", nil)
			return
		}
		Data(w, http.StatusOK, map[string]int{"call": calls})
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Idempotency-Key", "abc")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	first := do("/api/v1/shifts/1/close")
	require.Equal(t, http.StatusOK, first.Code)
	require.Empty(t, first.Header().Get(ReplayHeader))

	again := do("/api/v1/shifts/1/close")
	require.Equal(t, http.StatusOK, again.Code)
	require.Equal(t, "true", again.Header().Get(ReplayHeader))
	require.Equal(t, "application/json", again.Header().Get("Content-Type"))
	require.JSONEq(t, first.Body.String(), again.Body.String())

	require.Equal(t, http.StatusOK, do("/api/v1/shifts/2/close").Code)
	require.Equal(t, 2, calls)

	fail = true
	require.Equal(t, http.StatusInternalServerError, do("/api/v1/shifts/3/close").Code)
	require.Equal(t, http.StatusInternalServerError, do("/api/v1/shifts/3/close").Code)
	require.Equal(t, 4, calls)
}

func TestIdempotencyMiddlewareReleasesKeyOnPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shifts/1/close", nil)
	req.Header.Set("Idempotency-Key", "abc")

	require.PanicsWithValue(t, "handler exploded", func() {
		h.ServeHTTP(httptest.NewRecorder(), req)
	})
	require.False(t, mr.Exists(idemKey(req, "abc")))
}

func TestIdempotencyMiddlewareReleasesKeyWithoutResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shifts/1/close", nil)
	req.Header.Set("Idempotency-Key", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.False(t, mr.Exists(idemKey(req, "abc")))
}

func TestIdempotencyMiddlewareInProgress(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/shifts/1/close", nil)
	req.Header.Set("Idempotency-Key", "abc")
	require.NoError(t, mr.Set(idemKey(req, "abc"), pendingMarker))

	rr := httptest.NewRecorder()
	Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run while the key is pending")
	})).ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), CodeIdempotencyInProgress)
}

func TestIdempotencyMiddlewareWithoutKey(t *testing.T) {
	calls := 0
	h := Idem{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, 2, calls)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1"
	require.Equal(t, "10.0.0.1", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.10:5555"
	require.Equal(t, "192.168.1.10", ClientIP(req))
}
