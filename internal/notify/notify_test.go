package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scotty/internal/apps"
	"scotty/internal/config"
)

func TestWebhookDelivery(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(config.NotificationsConfig{})
	n.Dispatch(context.Background(), []apps.NotificationReceiver{
		{Kind: "webhook", Target: srv.URL},
	}, Event{App: "demo", Operation: "run", Success: true})

	assert.Equal(t, "demo", received.App)
	assert.Equal(t, "run", received.Operation)
	assert.True(t, received.Success)
	assert.False(t, received.Timestamp.IsZero())
}

func TestWebhookFallsBackToDefaultTarget(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	n := New(config.NotificationsConfig{WebhookURL: srv.URL})
	n.Dispatch(context.Background(), []apps.NotificationReceiver{{Kind: "webhook"}},
		Event{App: "demo", Operation: "destroy", Success: false})

	assert.Equal(t, 1, hits)
}

func TestLogReceiverNeverFails(t *testing.T) {
	n := New(config.NotificationsConfig{})
	// No receivers and a log receiver both just log.
	n.Dispatch(context.Background(), nil, Event{App: "demo", Operation: "run", Success: true})
	n.Dispatch(context.Background(), []apps.NotificationReceiver{{Kind: "log"}},
		Event{App: "demo", Operation: "run", Success: false})
}
