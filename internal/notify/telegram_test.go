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

const testToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"

type telegramCall struct {
	Method string
	Body   map[string]any
}

func fakeTelegram(t *testing.T) (*httptest.Server, func() []telegramCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []telegramCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, telegramCall{Method: method, Body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "answerCallbackQuery":
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":1760000000,"chat":{"id":42,"type":"private"}}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []telegramCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]telegramCall(nil), calls...)
	}
}

func TestTelegram_SendAndEdit(t *testing.T) {
	srv, calls := fakeTelegram(t)
	ch, err := NewTelegram(TelegramConfig{Token: testToken, ChatID: 42, APIServer: srv.URL})
	require.NoError(t, err)

	h, err := ch.Send(context.Background(), "*Review* tx1", []Action{
		{Label: "Approve", Data: "approve:tx1"},
		{Label: "Reject", Data: "reject:tx1"},
	})
	require.NoError(t, err)
	assert.Equal(t, Handle{Channel: "telegram", Ref: "42:77"}, h)

	require.NoError(t, ch.Edit(context.Background(), h, "Approved"))
	require.NoError(t, ch.Acknowledge(context.Background(), "cb-1", "Approved"))

	got := calls()
	require.Len(t, got, 3)
	assert.Equal(t, "sendMessage", got[0].Method)
	assert.Equal(t, "Markdown", got[0].Body["parse_mode"])
	markup, _ := json.Marshal(got[0].Body["reply_markup"])
	assert.Contains(t, string(markup), `"callback_data":"approve:tx1"`)
	assert.Contains(t, string(markup), `"callback_data":"reject:tx1"`)

	assert.Equal(t, "editMessageText", got[1].Method)
	assert.EqualValues(t, 77, got[1].Body["message_id"])
	assert.Equal(t, "answerCallbackQuery", got[2].Method)
}

func TestTelegram_EditBadHandle(t *testing.T) {
	srv, _ := fakeTelegram(t)
	ch, err := NewTelegram(TelegramConfig{Token: testToken, ChatID: 42, APIServer: srv.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, ch.Edit(context.Background(), Handle{Channel: "webhook", Ref: "msg_1"}, "x"), ErrNoHandle)
	assert.ErrorIs(t, ch.Edit(context.Background(), Handle{Channel: "telegram", Ref: "x:y"}, "x"), ErrNoHandle)
}

func TestTelegram_RequiresChat(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{Token: testToken})
	assert.Error(t, err)
}

func TestTelegram_VerifySecret(t *testing.T) {
	ch, err := NewTelegram(TelegramConfig{Token: testToken, ChatID: 1, WebhookSecret: "tok"})
	require.NoError(t, err)
	assert.True(t, ch.VerifySecret("tok"))
	assert.False(t, ch.VerifySecret("nope"))

	open, _ := NewTelegram(TelegramConfig{Token: testToken, ChatID: 1})
	assert.False(t, open.VerifySecret(""))
}

func TestParseUpdate(t *testing.T) {
	body := []byte(`{"update_id":1,"callback_query":{"id":"cb-9","from":{"id":555,"is_bot":false,"first_name":"Ann","username":"ann"},"chat_instance":"x","data":"reject:tx1"}}`)
	cb, ok, err := ParseUpdate(body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cb-9", cb.QueryID)
	assert.Equal(t, "reject:tx1", cb.Data)
	assert.Equal(t, "telegram:@ann", cb.Actor)

	_, ok, err = ParseUpdate([]byte(`{"update_id":2,"message":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"},"text":"hi"}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseUpdate([]byte(`not json`))
	assert.Error(t, err)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\*c`, EscapeMarkdown("a_b*c"))
}
