package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionData(t *testing.T) {
	data := ActionData("approve", "tx_01abc")
	assert.Equal(t, "approve:tx_01abc", data)

	verb, id, ok := ParseActionData(data)
	require.True(t, ok)
	assert.Equal(t, "approve", verb)
	assert.Equal(t, "tx_01abc", id)

	for _, bad := range []string{"", "approve", ":id", "reject:"} {
		_, _, ok := ParseActionData(bad)
		assert.False(t, ok, bad)
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"txId":"tx1","action":"approve"}`)
	sig := Sign(body, "s3cret")

	assert.NoError(t, Verify(body, sig, "s3cret"))
	assert.ErrorIs(t, Verify(body, sig, "other"), ErrBadSignature)
	assert.ErrorIs(t, Verify([]byte(`{}`), sig, "s3cret"), ErrBadSignature)
	assert.ErrorIs(t, Verify(body, "zz", "s3cret"), ErrBadSignature)
	assert.ErrorIs(t, Verify(body, sig, ""), ErrBadSignature)
}

func TestWebhook_SendAndEdit(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := Verify(body, r.Header.Get(SignatureHeader), "hook-secret"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var p WebhookPayload
		_ = json.Unmarshal(body, &p)
		assert.Equal(t, p.Event, r.Header.Get(EventHeader))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	}))
	defer srv.Close()

	ch := NewWebhook(srv.URL, "hook-secret")
	h, err := ch.Send(context.Background(), "Review tx1", []Action{{Label: "Approve", Data: "approve:tx1"}})
	require.NoError(t, err)
	assert.Equal(t, "webhook", h.Channel)
	assert.True(t, strings.HasPrefix(h.Ref, "msg_"))

	require.NoError(t, ch.Edit(context.Background(), h, "Approved"))

	require.Len(t, payloads, 2)
	assert.Equal(t, EventReviewRequested, payloads[0].Event)
	assert.Equal(t, "approve:tx1", payloads[0].Actions[0].Data)
	assert.Equal(t, EventReviewUpdated, payloads[1].Event)
	assert.Equal(t, h.Ref, payloads[1].MessageID)
}

func TestWebhook_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhook(srv.URL, "").Send(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestWebhook_EditForeignHandle(t *testing.T) {
	err := NewWebhook("http://127.0.0.1:1", "").Edit(context.Background(), Handle{Channel: "telegram", Ref: "1:2"}, "x")
	assert.ErrorIs(t, err, ErrNoHandle)
}

func TestLog_SendReturnsHandle(t *testing.T) {
	ch := NewLog(nil)
	h, err := ch.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "log", h.Channel)
	assert.NoError(t, ch.Edit(context.Background(), h, "bye"))
}
