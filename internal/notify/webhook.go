package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zhentan/cosigner/internal/idgen"
)

// Headers on signed webhook requests, in both directions.
const (
	SignatureHeader = "X-Cosigner-Signature"
	EventHeader     = "X-Cosigner-Event"
	TimestampHeader = "X-Cosigner-Timestamp"
)

// Webhook event types.
const (
	EventReviewRequested = "review.requested"
	EventReviewUpdated   = "review.updated"
)

// WebhookPayload is the JSON body posted to the reviewer endpoint.
type WebhookPayload struct {
	Event     string    `json:"event"`
	MessageID string    `json:"messageId"`
	Text      string    `json:"text"`
	Actions   []Action  `json:"actions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Webhook posts HMAC-SHA256 signed JSON to a reviewer endpoint. Decisions
// come back on the inbound callback route signed with the same secret.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a signed webhook channel.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, text string, actions []Action) (Handle, error) {
	p := WebhookPayload{
		Event:     EventReviewRequested,
		MessageID: idgen.WithPrefix("msg_"),
		Text:      text,
		Actions:   actions,
		Timestamp: w.now().UTC(),
	}
	if err := w.post(ctx, p); err != nil {
		return Handle{}, err
	}
	return Handle{Channel: w.Name(), Ref: p.MessageID}, nil
}

func (w *Webhook) Edit(ctx context.Context, h Handle, text string) error {
	if h.Channel != w.Name() || h.Ref == "" {
		return fmt.Errorf("%w: %s/%s", ErrNoHandle, h.Channel, h.Ref)
	}
	return w.post(ctx, WebhookPayload{
		Event:     EventReviewUpdated,
		MessageID: h.Ref,
		Text:      text,
		Timestamp: w.now().UTC(),
	})
}

func (w *Webhook) post(ctx context.Context, p WebhookPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, p.Event)
	req.Header.Set(TimestampHeader, strconv.FormatInt(p.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign. An empty secret never
// verifies.
func Verify(payload []byte, signature, secret string) error {
	if secret == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	if !hmac.Equal(got, h.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

var _ Channel = (*Webhook)(nil)
