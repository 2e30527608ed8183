package notify

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// TelegramSecretHeader carries the webhook secret token Telegram echoes on
// every update.
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token         string
	ChatID        int64
	WebhookSecret string
	// APIServer overrides https://api.telegram.org (useful for testing).
	APIServer string
}

// Telegram sends Markdown messages with an inline keyboard to one chat.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
	secret string
}

// NewTelegram creates the bot client. No request is made until Send.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("notify: telegram chat id required")
	}
	opts := []telego.BotOption{telego.WithDiscardLogger(), telego.WithHTTPClient(&http.Client{})}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID, secret: cfg.WebhookSecret}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send posts text with one keyboard row holding every action.
func (t *Telegram) Send(ctx context.Context, text string, actions []Action) (Handle, error) {
	params := tu.Message(tu.ID(t.chatID), text).WithParseMode(telego.ModeMarkdown)
	if len(actions) > 0 {
		row := make([]telego.InlineKeyboardButton, 0, len(actions))
		for _, a := range actions {
			row = append(row, tu.InlineKeyboardButton(a.Label).WithCallbackData(a.Data))
		}
		params = params.WithReplyMarkup(tu.InlineKeyboard(row))
	}
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: telegram: %v", ErrSendFailed, err)
	}
	return Handle{Channel: t.Name(), Ref: fmt.Sprintf("%d:%d", t.chatID, msg.MessageID)}, nil
}

// Edit replaces the message text; the keyboard is dropped.
func (t *Telegram) Edit(ctx context.Context, h Handle, text string) error {
	chatID, messageID, err := parseTelegramRef(h)
	if err != nil {
		return err
	}
	_, err = t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
		ParseMode: telego.ModeMarkdown,
	})
	if err != nil {
		return fmt.Errorf("notify: telegram edit: %w", err)
	}
	return nil
}

// Acknowledge answers a callback query so the client stops its spinner.
func (t *Telegram) Acknowledge(ctx context.Context, callbackID, text string) error {
	return t.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(callbackID).WithText(text))
}

// VerifySecret checks the secret token header of an inbound update. With no
// secret configured every update is refused.
func (t *Telegram) VerifySecret(header string) bool {
	if t.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(t.secret)) == 1
}

// Callback is a button press from the review chat.
type Callback struct {
	QueryID string
	Data    string
	Actor   string
}

// ParseUpdate extracts a callback query from a webhook update body. ok is
// false for any other kind of update.
func ParseUpdate(body []byte) (Callback, bool, error) {
	var u telego.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return Callback{}, false, fmt.Errorf("notify: decode update: %w", err)
	}
	if u.CallbackQuery == nil || u.CallbackQuery.Data == "" {
		return Callback{}, false, nil
	}
	cq := u.CallbackQuery
	actor := "telegram:" + strconv.FormatInt(cq.From.ID, 10)
	if cq.From.Username != "" {
		actor = "telegram:@" + cq.From.Username
	}
	return Callback{QueryID: cq.ID, Data: cq.Data, Actor: actor}, true, nil
}

func parseTelegramRef(h Handle) (int64, int, error) {
	chat, msg, ok := strings.Cut(h.Ref, ":")
	if h.Channel != "telegram" || !ok {
		return 0, 0, fmt.Errorf("%w: %s/%s", ErrNoHandle, h.Channel, h.Ref)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoHandle, h.Ref)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoHandle, h.Ref)
	}
	return chatID, messageID, nil
}

// EscapeMarkdown escapes the characters legacy Telegram Markdown treats as
// formatting.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

var _ Channel = (*Telegram)(nil)
