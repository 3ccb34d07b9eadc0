package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPCheckerHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL)
	result := checker.Check(context.Background())

	assert.True(t, result.Healthy)
}

func TestHTTPCheckerUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "502")
}

func TestHTTPCheckerConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // shut down immediately

	checker := NewHTTPChecker(srv.URL)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
}

func TestTCPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy)

	srv.Close()
	result = NewTCPChecker(addr).Check(context.Background())
	assert.False(t, result.Healthy)
}
