package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/omniflow/types"
)

type mockSender struct {
	mu    sync.Mutex
	calls []string
	err   error
	block bool
}

func (s *mockSender) Send(ctx context.Context, tenantID, target, content string) (Ack, error) {
	if s.block {
		<-ctx.Done()
		return Ack{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tenantID+"|"+target+"|"+content)
	if s.err != nil {
		return Ack{}, s.err
	}
	return Ack{MessageID: "m-1"}, nil
}

type mockLeads struct {
	payload map[string]interface{}
	err     error
}

func (l *mockLeads) CreateLead(ctx context.Context, tenantID string, payload map[string]interface{}) (string, error) {
	l.payload = payload
	if l.err != nil {
		return "", l.err
	}
	return "lead-9", nil
}

func mustParse(t *testing.T, spec types.NodeSpec) Node {
	t.Helper()
	n, err := Parse(spec)
	require.NoError(t, err)
	return n
}

func TestEvaluator_Trigger(t *testing.T) {
	e := NewEvaluator()
	out, err := e.Evaluate(context.Background(), mustParse(t, types.NodeSpec{ID: "t1", Type: types.NodeTrigger}), nil, "tenant")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"triggered": true}, out)
}

func TestEvaluator_SendMessage(t *testing.T) {
	sender := &mockSender{}
	e := NewEvaluator(WithChannelSender(sender))
	node := mustParse(t, types.NodeSpec{ID: "a1", Type: types.NodeAction, Data: map[string]interface{}{
		"actionType": "SEND_MESSAGE",
		"message":    "Hi {{name}}",
	}})

	out, err := e.Evaluate(context.Background(), node, map[string]interface{}{"leadId": "L-7", "name": "Ana"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"sent": true, "messageId": "m-1"}, out)
	assert.Equal(t, []string{"acme|L-7|Hi Ana"}, sender.calls)

	t.Run("no target", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), node, map[string]interface{}{}, "acme")
		assert.ErrorIs(t, err, types.ErrConfig)
	})

	t.Run("sender failure", func(t *testing.T) {
		e := NewEvaluator(WithChannelSender(&mockSender{err: errors.New("channel offline")}))
		_, err := e.Evaluate(context.Background(), node, map[string]interface{}{"leadId": "L-7"}, "acme")
		assert.ErrorIs(t, err, types.ErrExternal)
		assert.Contains(t, err.Error(), "channel offline")
	})

	t.Run("sender timeout", func(t *testing.T) {
		e := NewEvaluator(WithChannelSender(&mockSender{block: true}), WithActionTimeout(20*time.Millisecond))
		_, err := e.Evaluate(context.Background(), node, map[string]interface{}{"leadId": "L-7"}, "acme")
		assert.ErrorIs(t, err, types.ErrExternal)
	})

	t.Run("no sender configured", func(t *testing.T) {
		_, err := NewEvaluator().Evaluate(context.Background(), node, map[string]interface{}{"leadId": "L-7"}, "acme")
		assert.ErrorIs(t, err, types.ErrExternal)
	})
}

func TestEvaluator_CreateLead(t *testing.T) {
	leads := &mockLeads{}
	e := NewEvaluator(WithLeadCreator(leads))
	node := mustParse(t, types.NodeSpec{ID: "a2", Type: types.NodeAction, Data: map[string]interface{}{
		"actionType": "CREATE_LEAD",
		"leadData":   map[string]interface{}{"name": "{{contact.name}}", "value": 1200.0},
	}})

	out, err := e.Evaluate(context.Background(), node, map[string]interface{}{
		"contact": map[string]interface{}{"name": "Ana"},
	}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"created": true, "leadId": "lead-9"}, out)
	assert.Equal(t, map[string]interface{}{"name": "Ana", "value": 1200.0}, leads.payload)

	leads.err = errors.New("duplicate lead")
	_, err = e.Evaluate(context.Background(), node, nil, "acme")
	assert.ErrorIs(t, err, types.ErrExternal)
}

func TestEvaluator_UnknownActionSucceeds(t *testing.T) {
	node := mustParse(t, types.NodeSpec{ID: "a3", Type: types.NodeAction, Data: map[string]interface{}{"actionType": "TAG_CONTACT"}})
	out, err := NewEvaluator().Evaluate(context.Background(), node, nil, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"executed": true}, out)
}

func TestEvaluator_Condition(t *testing.T) {
	e := NewEvaluator()
	cond := func(op string, value interface{}) Node {
		return mustParse(t, types.NodeSpec{ID: "c1", Type: types.NodeCondition, Data: map[string]interface{}{
			"condition": map[string]interface{}{"field": "score", "operator": op, "value": value},
		}})
	}

	out, err := e.Evaluate(context.Background(), cond("greater_than", 50), map[string]interface{}{"score": 75}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": true}, out)

	out, err = e.Evaluate(context.Background(), cond("greater_than", 50), map[string]interface{}{"score": 30}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": false}, out)

	out, err = e.Evaluate(context.Background(), cond("equals", 75), map[string]interface{}{"score": 75}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": true}, out)

	// unrecognized operators fail open
	out, err = e.Evaluate(context.Background(), cond("is_between", 10), map[string]interface{}{"score": 1}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": true}, out)

	t.Run("expression", func(t *testing.T) {
		node := mustParse(t, types.NodeSpec{ID: "c2", Type: types.NodeCondition, Data: map[string]interface{}{
			"expression": "score > 50 && lead.stage == 'hot'",
		}})
		out, err := e.Evaluate(context.Background(), node, map[string]interface{}{
			"score": 75, "lead": map[string]interface{}{"stage": "hot"},
		}, "acme")
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"result": true}, out)

		bad := mustParse(t, types.NodeSpec{ID: "c3", Type: types.NodeCondition, Data: map[string]interface{}{"expression": "score + 1"}})
		_, err = e.Evaluate(context.Background(), bad, map[string]interface{}{"score": 1}, "acme")
		assert.ErrorIs(t, err, types.ErrConfig)
	})
}

func TestEvaluator_ClockVariables(t *testing.T) {
	monday10 := time.Date(2024, time.March, 4, 10, 30, 0, 0, time.UTC)
	e := NewEvaluator(WithClock(func() time.Time { return monday10 }))
	businessHours := mustParse(t, types.NodeSpec{ID: "c1", Type: types.NodeCondition, Data: map[string]interface{}{
		"expression": "weekday != 'Saturday' && weekday != 'Sunday' && hour >= 9 && hour < 18",
	}})

	out, err := e.Evaluate(context.Background(), businessHours, map[string]interface{}{}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": true}, out)

	sunday := NewEvaluator(WithClock(func() time.Time { return monday10.AddDate(0, 0, 6) }))
	out, err = sunday.Evaluate(context.Background(), businessHours, map[string]interface{}{}, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": false}, out)
}

func TestEvaluator_Delay(t *testing.T) {
	e := NewEvaluator()
	node := mustParse(t, types.NodeSpec{ID: "d1", Type: types.NodeDelay, Data: map[string]interface{}{"delayMs": 30}})

	start := time.Now()
	out, err := e.Evaluate(context.Background(), node, nil, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"delayed": int64(30)}, out)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	t.Run("delays run concurrently", func(t *testing.T) {
		long := mustParse(t, types.NodeSpec{ID: "d2", Type: types.NodeDelay, Data: map[string]interface{}{"delayMs": 200}})
		var wg sync.WaitGroup
		start := time.Now()
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Evaluate(context.Background(), long, nil, "acme")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("cancelled", func(t *testing.T) {
		long := mustParse(t, types.NodeSpec{ID: "d3", Type: types.NodeDelay, Data: map[string]interface{}{"delayMs": 60000}})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		_, err := e.Evaluate(ctx, long, nil, "acme")
		assert.ErrorIs(t, err, types.ErrCancelled)
	})
}

func TestEvaluator_HTTP(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hook":
			gotHeader = r.Header.Get("X-Tenant")
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/text":
			_, _ = w.Write([]byte("pong"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/error":
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	e := NewEvaluator(WithHTTPClient(srv.Client()))

	node := mustParse(t, types.NodeSpec{ID: "h1", Type: types.NodeHTTP, Data: map[string]interface{}{
		"method":  "post",
		"url":     srv.URL + "/hook",
		"headers": map[string]interface{}{"X-Tenant": "{{tenant}}"},
		"body":    map[string]interface{}{"lead": "L-1"},
	}})
	out, err := e.Evaluate(context.Background(), node, map[string]interface{}{"tenant": "acme"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out["status"])
	assert.Equal(t, map[string]interface{}{"ok": true}, out["body"])
	assert.Equal(t, map[string]interface{}{"lead": "L-1"}, gotBody)
	assert.Equal(t, "acme", gotHeader)

	t.Run("plain text body", func(t *testing.T) {
		node := mustParse(t, types.NodeSpec{ID: "h2", Type: types.NodeHTTP, Data: map[string]interface{}{"url": srv.URL + "/text"}})
		out, err := e.Evaluate(context.Background(), node, nil, "acme")
		require.NoError(t, err)
		assert.Equal(t, "pong", out["body"])
	})

	t.Run("non 2xx is returned", func(t *testing.T) {
		node := mustParse(t, types.NodeSpec{ID: "h3", Type: types.NodeHTTP, Data: map[string]interface{}{"url": srv.URL + "/error"}})
		out, err := e.Evaluate(context.Background(), node, nil, "acme")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, out["status"])
	})

	t.Run("timeout", func(t *testing.T) {
		node := mustParse(t, types.NodeSpec{ID: "h4", Type: types.NodeHTTP, Data: map[string]interface{}{
			"url": srv.URL + "/slow", "timeoutMs": 20,
		}})
		_, err := e.Evaluate(context.Background(), node, nil, "acme")
		assert.ErrorIs(t, err, types.ErrExternal)
	})

	t.Run("network failure", func(t *testing.T) {
		node := mustParse(t, types.NodeSpec{ID: "h5", Type: types.NodeHTTP, Data: map[string]interface{}{"url": "http://127.0.0.1:1/unreachable"}})
		_, err := e.Evaluate(context.Background(), node, nil, "acme")
		assert.ErrorIs(t, err, types.ErrExternal)
	})
}

func TestEvaluator_Invalid(t *testing.T) {
	n, err := Parse(types.NodeSpec{ID: "h1", Type: types.NodeHTTP})
	require.Error(t, err)
	_, err = NewEvaluator().Evaluate(context.Background(), n, nil, "acme")
	assert.ErrorIs(t, err, types.ErrConfig)
}
