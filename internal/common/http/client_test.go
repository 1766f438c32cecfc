package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSON_Success(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "n-1", r.Header.Get("X-Notification-ID"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	status, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"title": "Overdue"}, map[string]string{"X-Notification-ID": "n-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Overdue", got["title"])
}

func TestPostJSON_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"gone", http.StatusGone, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			status, err := NewClient(time.Second).PostJSON(context.Background(), srv.URL, struct{}{}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.status, status)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.temporary, se.Temporary())
			assert.Equal(t, "nope", se.Body)
		})
	}
}
