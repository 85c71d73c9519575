package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendSuccess(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	require.NoError(t, err)

	res := wh.Send(context.Background(), Payload{
		SessionID: "s1",
		MessageID: "m1",
		Intent:    "send_email",
		Data:      map[string]any{"recipient": "bob@x.com"},
	})
	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "accepted", res.Response["status"])
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, "send_email", got.Intent)
	require.False(t, got.Timestamp.IsZero())
}

func TestSendBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithBearerToken("secret"))
	require.NoError(t, err)
	res := wh.Send(context.Background(), Payload{SessionID: "s1"})
	require.True(t, res.Success)
}

func TestSendNon2xxIsStructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"workflow offline"}`))
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	require.NoError(t, err)
	res := wh.Send(context.Background(), Payload{SessionID: "s1"})
	require.False(t, res.Success)
	require.Equal(t, http.StatusBadGateway, res.Status)
	require.Equal(t, "workflow offline", res.Response["error"])
	require.NotEmpty(t, res.Err)
}

func TestSendTimeoutIsStructuredFailure(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	wh, err := NewWebhook(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	res := wh.Send(context.Background(), Payload{SessionID: "s1"})
	require.False(t, res.Success)
	require.Contains(t, res.Err, "timed out")
}

func TestSendNonJSONBodyKeptAsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("queued"))
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	require.NoError(t, err)
	res := wh.Send(context.Background(), Payload{SessionID: "s1"})
	require.True(t, res.Success)
	require.Equal(t, "queued", res.Response["message"])
}

func TestNewWebhookRequiresEndpoint(t *testing.T) {
	_, err := NewWebhook("")
	require.Error(t, err)
}
