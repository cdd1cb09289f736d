package channels

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

	"github.com/songzhibin97/omniflow/nodes"
	"github.com/songzhibin97/omniflow/types"
)

func TestNewGateway(t *testing.T) {
	_, err := NewGateway("")
	assert.ErrorIs(t, err, ErrNoBaseURL)

	_, err = NewGateway("ftp://gateway")
	assert.Error(t, err)

	g, err := NewGateway("https://gateway.example.com/api/", WithToken("secret"))
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/api", g.base.String())
	assert.Equal(t, "secret", g.token)
}

func TestGateway_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/tenants/tenant-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messageId":"msg-42"}`))
	}))
	defer srv.Close()

	g, err := NewGateway(srv.URL+"/api", WithToken("secret"))
	require.NoError(t, err)

	ack, err := g.Send(context.Background(), "tenant-1", "5511999999999", "hello")
	require.NoError(t, err)
	assert.Equal(t, nodes.Ack{MessageID: "msg-42"}, ack)
	assert.Equal(t, map[string]string{"target": "5511999999999", "content": "hello"}, got)
}

func TestGateway_IdempotencyKey(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"messageId":"msg-1"}`))
	}))
	defer srv.Close()

	g, err := NewGateway(srv.URL)
	require.NoError(t, err)

	ctx := nodes.WithExecution(context.Background(), 7, "send")
	_, err = g.Send(ctx, "tenant-1", "5511", "hi")
	require.Error(t, err)
	_, err = g.Send(ctx, "tenant-1", "5511", "hi")
	require.NoError(t, err)

	_, err = g.Send(context.Background(), "tenant-1", "5511", "hi")
	require.NoError(t, err)

	require.Len(t, keys, 3)
	assert.Equal(t, "messages:7:send", keys[0])
	assert.Equal(t, keys[0], keys[1], "the same node in the same run reuses its key")
	assert.NotEqual(t, keys[0], keys[2])
	assert.NotEmpty(t, keys[2])
}

func TestGateway_CreateLead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/tenant-1/leads", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Ana", payload["name"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"lead-7"}`))
	}))
	defer srv.Close()

	g, err := NewGateway(srv.URL)
	require.NoError(t, err)

	id, err := g.CreateLead(context.Background(), "tenant-1", map[string]interface{}{"name": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "lead-7", id)
}

func TestGateway_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tenants/down/messages":
			http.Error(w, "channel disconnected", http.StatusServiceUnavailable)
		case "/v1/tenants/empty/messages":
			_, _ = w.Write([]byte(`{}`))
		case "/v1/tenants/garbled/leads":
			_, _ = w.Write([]byte(`not json`))
		case "/v1/tenants/slow/messages":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"messageId":"late"}`))
		}
	}))
	defer srv.Close()

	g, err := NewGateway(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = g.Send(ctx, "down", "t", "c")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "channel disconnected", statusErr.Body)

	_, err = g.Send(ctx, "empty", "t", "c")
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = g.CreateLead(ctx, "garbled", map[string]interface{}{})
	assert.ErrorContains(t, err, "failed to decode leads response")

	_, err = g.Send(ctx, "", "t", "c")
	assert.ErrorContains(t, err, "tenant id is required")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Send(short, "slow", "t", "c")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGateway_WithEvaluator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g, err := NewGateway(srv.URL)
	require.NoError(t, err)
	eval := nodes.NewEvaluator(nodes.WithChannelSender(g), nodes.WithLeadCreator(g))

	node, err := nodes.Parse(types.NodeSpec{
		ID:   "a1",
		Type: types.NodeAction,
		Data: map[string]interface{}{"actionType": "SEND_MESSAGE", "message": "hi"},
	})
	require.NoError(t, err)

	_, err = eval.Evaluate(context.Background(), node, map[string]interface{}{"leadId": "L-1"}, "tenant-1")
	assert.ErrorIs(t, err, types.ErrExternal)
	assert.Contains(t, err.Error(), "quota exceeded")
}
