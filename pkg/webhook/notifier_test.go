package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type receivedPost struct {
	apiKey      string
	contentType string
	body        map[string]any
}

func newReceiver(t *testing.T, status int) (*httptest.Server, func() []receivedPost) {
	t.Helper()
	var mu sync.Mutex
	var posts []receivedPost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		mu.Lock()
		posts = append(posts, receivedPost{
			apiKey:      r.Header.Get("x-api-key"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []receivedPost {
		mu.Lock()
		defer mu.Unlock()
		return append([]receivedPost(nil), posts...)
	}
}

func TestNotifierPostsEnvelope(t *testing.T) {
	srv, posts := newReceiver(t, http.StatusOK)
	n := NewNotifier("shared-secret")

	err := n.Post(context.Background(), srv.URL, Payload{
		DataType:  "message",
		Data:      map[string]any{"body": "hi"},
		SessionID: "s1",
	})
	require.NoError(t, err)

	got := posts()
	require.Len(t, got, 1)
	require.Equal(t, "shared-secret", got[0].apiKey)
	require.Contains(t, got[0].contentType, "application/json")
	require.Equal(t, "message", got[0].body["dataType"])
	require.Equal(t, "s1", got[0].body["sessionId"])
	data, ok := got[0].body["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hi", data["body"])
}

func TestNotifierOmitsAPIKeyWhenUnset(t *testing.T) {
	srv, posts := newReceiver(t, http.StatusOK)
	n := NewNotifier("")

	require.NoError(t, n.Post(context.Background(), srv.URL, Payload{DataType: "ping", SessionID: "s1"}))
	got := posts()
	require.Len(t, got, 1)
	require.Empty(t, got[0].apiKey)
}

func TestNotifierReportsErrorStatus(t *testing.T) {
	srv, _ := newReceiver(t, http.StatusInternalServerError)
	n := NewNotifier("")

	err := n.Post(context.Background(), srv.URL, Payload{DataType: "message", SessionID: "s1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestNotifierRejectsEmptyURL(t *testing.T) {
	n := NewNotifier("")
	err := n.Post(context.Background(), "", Payload{DataType: "message"})
	require.Error(t, err)
}
