package webhooks

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	received chan struct{}
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{received: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		c.received <- struct{}{}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestRegistry_RegisterAndRoute(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(&Subscription{URL: "http://x"}), "events required")
	require.Error(t, r.Register(&Subscription{Events: []EventType{EventClaimFailed}}), "url required")

	require.NoError(t, r.Register(&Subscription{
		URL:    "http://x",
		Events: []EventType{EventClaimSubmitted, EventClaimFailed},
	}))

	assert.Len(t, r.Subscribers(EventClaimSubmitted), 1)
	assert.Len(t, r.Subscribers(EventClaimFailed), 1)
	assert.Empty(t, r.Subscribers(EventClaimAccepted))
	assert.Len(t, r.ListAll(), 1)
}

func TestRegistry_DisableAfterRepeatedFailures(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "http://x", Events: []EventType{EventClaimFailed}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 10; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.Empty(t, r.Subscribers(EventClaimFailed))

	// A delivered event before the threshold resets the count.
	sub2 := &Subscription{URL: "http://y", Events: []EventType{EventClaimFailed}}
	require.NoError(t, r.Register(sub2))
	for i := 0; i < 9; i++ {
		r.MarkFailed(sub2.ID)
	}
	r.MarkDelivered(sub2.ID)
	assert.Equal(t, 0, sub2.FailCount)
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusOK)

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:    srv.URL,
		Secret: "s3cret",
		Events: []EventType{EventClaimSubmitted},
	}))

	d := NewDispatcher(r, 2)
	defer d.Shutdown()

	d.Emit("claim.submitted", map[string]interface{}{
		"claim_id":       "CLM-1",
		"terminal_state": "submitted",
	})

	select {
	case <-c.received:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not received")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.bodies, 1)

	var evt Event
	require.NoError(t, json.Unmarshal(c.bodies[0], &evt))
	assert.Equal(t, EventClaimSubmitted, evt.Type)
	assert.Equal(t, "CLM-1", evt.Data["claim_id"])

	h := c.headers[0]
	assert.Equal(t, "claim.submitted", h.Get("X-ClaimsBridge-Event-Type"))
	assert.NotEmpty(t, h.Get("X-ClaimsBridge-Event-ID"))

	want := "sha256=" + SignPayload(c.bodies[0], "s3cret")
	assert.True(t, hmac.Equal([]byte(want), []byte(h.Get("X-ClaimsBridge-Signature"))))
}

func TestDispatcher_NoSubscribersIsNoop(t *testing.T) {
	d := NewDispatcher(NewRegistry(), 1)
	defer d.Shutdown()

	// Must not block or panic.
	d.Emit("claim.failed", map[string]interface{}{"claim_id": "CLM-2"})
}

func TestDispatcher_FailureMarksSubscriber(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusInternalServerError)

	r := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventClaimFailed}}
	require.NoError(t, r.Register(sub))

	d := NewDispatcher(r, 1)
	defer d.Shutdown()

	d.Emit("claim.failed", map[string]interface{}{"claim_id": "CLM-3"})

	select {
	case <-c.received:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not attempted")
	}

	assert.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.hooks[sub.ID].FailCount > 0
	}, 2*time.Second, 10*time.Millisecond)
}
