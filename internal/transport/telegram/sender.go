// Package telegram delivers notifications to Telegram chats. Endpoint tokens have the
// form "tg:<chat_id>" or "tg:<chat_id>/<thread_id>".
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const Prefix = "tg:"

type Config struct {
	Token string
	// URL overrides the Bot API endpoint.
	URL     string
	Timeout time.Duration
	// Offline skips the getMe handshake on construction.
	Offline bool
}

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log}, nil
}

// ParseEndpoint splits "tg:<chat>[/<thread>]".
func ParseEndpoint(token string) (chatID int64, threadID int, err error) {
	rest, ok := strings.CutPrefix(token, Prefix)
	if !ok {
		return 0, 0, fmt.Errorf("not a telegram endpoint: %q", token)
	}
	chat, thread, hasThread := strings.Cut(rest, "/")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id: %w", err)
	}
	if hasThread {
		threadID, err = strconv.Atoi(thread)
		if err != nil {
			return 0, 0, fmt.Errorf("telegram thread id: %w", err)
		}
	}
	return chatID, threadID, nil
}

func (s *Sender) Send(ctx context.Context, sub kit.Subscription, p kit.Payload) error {
	chatID, threadID, err := ParseEndpoint(sub.EndpointToken)
	if err != nil {
		return fmt.Errorf("%w: %w", kit.ErrEndpointGone, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = s.bot.Send(&tele.Chat{ID: chatID}, Format(p), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		DisableNotification:   p.Priority <= kit.PriorityLow,
		ThreadID:              threadID,
	})
	return mapError(err)
}

// Probe checks that the chat still exists and the bot may write to it.
func (s *Sender) Probe(ctx context.Context, sub kit.Subscription) error {
	chatID, _, err := ParseEndpoint(sub.EndpointToken)
	if err != nil {
		return fmt.Errorf("%w: %w", kit.ErrEndpointGone, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = s.bot.ChatByID(chatID)
	return mapError(err)
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrBlockedByUser):
		return fmt.Errorf("%w: %w", kit.ErrEndpointGone, err)
	default:
		return err
	}
}

// Format renders the payload as Telegram HTML, prefixed by a priority marker. The
// body is cut before escaping so entities are never split.
func Format(p kit.Payload) string {
	var b strings.Builder
	b.WriteString(priorityPrefix(p.Priority))
	if p.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(truncate(p.Title, 256)))
		b.WriteString("</b>")
	}
	if p.Body != "" {
		if p.Title != "" {
			b.WriteString("\n")
		}
		b.WriteString(html.EscapeString(truncate(p.Body, bodyLimit)))
	}
	return b.String()
}

// bodyLimit leaves room for escaping within Telegram's 4096 character limit.
const bodyLimit = 3000

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func priorityPrefix(p kit.Priority) string {
	switch p {
	case kit.PriorityCritical:
		return "🚨 "
	case kit.PriorityHigh:
		return "❗ "
	default:
		return ""
	}
}
