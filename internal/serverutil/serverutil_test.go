package serverutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	Host string `json:"host"`
}

func TestValidationHandler(t *testing.T) {
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom[ping](r.Context())
		require.True(t, ok)
		WriteJSON(rw, http.StatusAccepted, req)
	})
	h := NewValidationHandler[ping](next, func(p *ping) error {
		if p.Host == "" {
			return errors.New("host is required")
		}
		return nil
	})

	tests := []struct {
		name   string
		method string
		body   string
		status int
		want   string
	}{
		{"valid", http.MethodPost, `{"host":"10.0.0.1"}`, http.StatusAccepted, `{"host":"10.0.0.1"}`},
		{"invalid json", http.MethodPost, `{`, http.StatusBadRequest, "Invalid request"},
		{"unknown field", http.MethodPost, `{"hostname":"x"}`, http.StatusBadRequest, "unknown field"},
		{"fails validation", http.MethodPost, `{}`, http.StatusBadRequest, "host is required"},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed, "method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/runs", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HealthHandler(func(context.Context) error { return errors.New("mongo down") }).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "mongo down")
}

func TestServe_ShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, HealthHandler(nil), DefaultServerConfig(), nil)
	}()

	url := fmt.Sprintf("http://%s/healthz", ln.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
