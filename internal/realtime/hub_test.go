package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/txqueue"
)

const (
	groupA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	groupB = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	owner  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	agent  = "0xcccccccccccccccccccccccccccccccccccccccc"
	payee  = "0xdddddddddddddddddddddddddddddddddddddddd"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func event(group string, status txqueue.Status, mutation string) *Event {
	return &Event{
		Type:        "transition",
		Mutation:    mutation,
		Transaction: &TxSummary{ID: "tx_1", SignerGroup: group, Status: status},
	}
}

func TestWants_Scope(t *testing.T) {
	c := &Client{scope: groupA}
	assert.True(t, c.wants(event(strings.ToUpper("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"), txqueue.StatusPending, "enqueue")))
	assert.False(t, c.wants(event(groupB, txqueue.StatusPending, "enqueue")))

	operator := &Client{}
	assert.True(t, operator.wants(event(groupB, txqueue.StatusPending, "enqueue")))
}

func TestWants_ScopeBeatsSubscription(t *testing.T) {
	c := &Client{scope: groupA, sub: Subscription{Groups: []string{groupB}}}
	assert.False(t, c.wants(event(groupB, txqueue.StatusPending, "enqueue")))
}

func TestWants_Filters(t *testing.T) {
	c := &Client{sub: Subscription{
		Statuses:  []txqueue.Status{txqueue.StatusInReview, txqueue.StatusExecuted},
		Mutations: []string{"mark_in_review", "mark_executed"},
	}}
	assert.True(t, c.wants(event(groupA, txqueue.StatusInReview, "mark_in_review")))
	assert.False(t, c.wants(event(groupA, txqueue.StatusPending, "enqueue")))
	assert.False(t, c.wants(event(groupA, txqueue.StatusExecuted, "set_risk")))
}

func TestHub_RegisterDeliverUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 4), scope: groupA}
	h.register <- client

	h.Publish(txqueue.Event{Mutation: "enqueue", Transaction: &txqueue.Transaction{
		ID: "tx_1", SignerGroup: groupA, Status: txqueue.StatusPending, ProposerSignature: []byte("secret"),
	}})

	select {
	case msg := <-client.send:
		var got map[string]any
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "enqueue", got["mutation"])
		tx := got["transaction"].(map[string]any)
		assert.Equal(t, "tx_1", tx["id"])
		assert.NotContains(t, tx, "proposerSignature")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	h.unregister <- client
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["totalEvents"])
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte)} // never drained
	h.register <- client
	h.Publish(txqueue.Event{Mutation: "enqueue", Transaction: &txqueue.Transaction{ID: "tx_1", SignerGroup: groupA}})

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_AttachedQueueOverWebSocket(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	q := txqueue.New(txqueue.NewMemoryStore(), nil)
	h.Attach(q)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.URL.Query().Get("group"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?group=" + groupA
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 1
	}, time.Second, 10*time.Millisecond)

	for _, g := range []string{groupB, groupA} {
		_, err := q.Enqueue(ctx, &txqueue.Transaction{
			ID:                "tx-" + g[2:6],
			SignerGroup:       g,
			Recipient:         payee,
			Amount:            "12",
			Asset:             "USDC",
			ProposedBy:        owner,
			ProposerSignature: []byte{1},
			RequiredSigners:   []string{owner, agent},
			Threshold:         2,
			UnsignedOperation: []byte("{}"),
			Origin:            txqueue.OriginManual,
		})
		require.NoError(t, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "enqueue", got.Mutation)
	assert.Equal(t, groupA, got.Transaction.SignerGroup)
	assert.Equal(t, txqueue.StatusPending, got.Transaction.Status)
}
