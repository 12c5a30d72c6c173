// Package bot delivers notification messages through the Telegram Bot API.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"rss_notify/internal/model"
)

// ErrDeliveryFailed is returned when Telegram rejects a message or does
// not confirm it.
var ErrDeliveryFailed = errors.New("failed to send message")

// maxMessageLength is the Telegram limit for a text message, in UTF-16
// code units.
const maxMessageLength = 4096

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender sends text messages with per-subscription bot tokens.
type Sender struct {
	client   HTTPClient
	endpoint string
	limiter  *rate.Limiter
}

// NewSender creates a Sender. endpoint is a Bot API URL template with
// two %s verbs (token, method); an empty endpoint uses the public API.
// perSecond caps outgoing messages across all subscriptions.
func NewSender(client HTTPClient, endpoint string, perSecond int) *Sender {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if perSecond <= 0 {
		perSecond = 20
	}
	return &Sender{
		client:   client,
		endpoint: endpoint,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Send delivers text to destination using the bot token credential.
// destination is a numeric chat ID or an @channel username.
func (s *Sender) Send(ctx context.Context, credential, destination, text string) (model.Receipt, error) {
	if credential == "" {
		return model.Receipt{}, fmt.Errorf("%w: empty bot token", ErrDeliveryFailed)
	}

	msg, err := newMessage(destination, truncate(text))
	if err != nil {
		return model.Receipt{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return model.Receipt{}, fmt.Errorf("%w: rate limit: %w", ErrDeliveryFailed, err)
	}

	api := &tgbotapi.BotAPI{
		Token:  credential,
		Client: contextClient{ctx: ctx, next: s.client},
		Buffer: 100,
	}
	api.SetAPIEndpoint(s.endpoint)

	sent, err := api.Send(msg)
	if err != nil {
		return model.Receipt{}, redact(err, credential)
	}
	if sent.MessageID == 0 {
		return model.Receipt{}, fmt.Errorf("%w: no message id in response", ErrDeliveryFailed)
	}

	receipt := model.Receipt{MessageID: sent.MessageID, SentAt: time.Now().UTC()}
	if sent.Chat != nil {
		receipt.ChatID = sent.Chat.ID
	}
	if sent.Date != 0 {
		receipt.SentAt = time.Unix(int64(sent.Date), 0).UTC()
	}
	return receipt, nil
}

func newMessage(destination, text string) (tgbotapi.MessageConfig, error) {
	destination = strings.TrimSpace(destination)
	if chatID, err := strconv.ParseInt(destination, 10, 64); err == nil {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		return msg, nil
	}
	if strings.HasPrefix(destination, "@") && len(destination) > 1 {
		msg := tgbotapi.NewMessageToChannel(destination, text)
		msg.DisableWebPagePreview = true
		return msg, nil
	}
	return tgbotapi.MessageConfig{}, errors.New("destination must be a chat ID or @channel")
}

func truncate(text string) string {
	if utf16Len(text) <= maxMessageLength {
		return text
	}
	limit := maxMessageLength - 3
	n := 0
	for i, r := range text {
		w := utf16.RuneLen(r)
		if n+w > limit {
			return text[:i] + "..."
		}
		n += w
	}
	return text
}

func utf16Len(text string) int {
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return n
}

// redact strips the bot token from transport errors, which embed the
// request URL.
func redact(err error, credential string) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: telegram error %d: %s", ErrDeliveryFailed, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %s", ErrDeliveryFailed, strings.ReplaceAll(err.Error(), credential, "<redacted>"))
}

// contextClient binds outgoing Bot API requests to ctx, since the
// tgbotapi client does not take one.
type contextClient struct {
	ctx  context.Context
	next HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.next.Do(req.WithContext(c.ctx))
}
