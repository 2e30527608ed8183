// Package notify adapts chat and webhook transports to the review
// gateway's notification channel: send a message with action buttons, and
// later edit it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/zhentan/cosigner/internal/idgen"
)

var (
	ErrNoHandle     = errors.New("notify: unknown message handle")
	ErrSendFailed   = errors.New("notify: send failed")
	ErrBadSignature = errors.New("notify: bad signature")
)

// Action is one affordance on a message. Data travels back verbatim in the
// inbound callback.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Handle identifies a sent message so it can be edited.
type Handle struct {
	Channel string `json:"channel"`
	Ref     string `json:"ref"`
}

// Channel is an outbound notification transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string, actions []Action) (Handle, error)
	Edit(ctx context.Context, h Handle, text string) error
}

// ActionData encodes the callback payload "<verb>:<id>".
func ActionData(verb, id string) string {
	return verb + ":" + id
}

// ParseActionData splits a callback payload produced by ActionData.
func ParseActionData(data string) (verb, id string, ok bool) {
	verb, id, ok = strings.Cut(data, ":")
	if !ok || verb == "" || id == "" {
		return "", "", false
	}
	return verb, id, true
}

// Log writes notifications to the logger. It is the channel of last resort
// when no transport is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-only channel.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, text string, actions []Action) (Handle, error) {
	h := Handle{Channel: l.Name(), Ref: idgen.WithPrefix("msg_")}
	data := make([]string, len(actions))
	for i, a := range actions {
		data[i] = a.Data
	}
	l.logger.Info("review notification", "ref", h.Ref, "text", text, "actions", data)
	return h, nil
}

func (l *Log) Edit(_ context.Context, h Handle, text string) error {
	l.logger.Info("review notification updated", "ref", h.Ref, "text", text)
	return nil
}

var _ Channel = (*Log)(nil)
