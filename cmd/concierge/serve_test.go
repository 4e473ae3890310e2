package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginChecker(t *testing.T) {
	newReq := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://svc.local/v1/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	t.Run("no origin header is allowed", func(t *testing.T) {
		check := originChecker(nil)
		assert.True(t, check(newReq("")))
	})

	t.Run("same host is allowed", func(t *testing.T) {
		check := originChecker(nil)
		assert.True(t, check(newReq("http://svc.local")))
	})

	t.Run("cross origin is rejected by default", func(t *testing.T) {
		check := originChecker(nil)
		assert.False(t, check(newReq("http://evil.example.com")))
	})

	t.Run("configured origin is allowed", func(t *testing.T) {
		check := originChecker([]string{"https://portal.example.com"})
		assert.True(t, check(newReq("https://portal.example.com")))
		assert.False(t, check(newReq("https://other.example.com")))
	})

	t.Run("wildcard allows everything", func(t *testing.T) {
		check := originChecker([]string{"*"})
		assert.True(t, check(newReq("http://anywhere.example.com")))
	})
}

func TestHandleQuery_MethodNotAllowed(t *testing.T) {
	s := &server{}
	rec := httptest.NewRecorder()
	s.handleQuery(rec, httptest.NewRequest(http.MethodGet, "/v1/query", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
