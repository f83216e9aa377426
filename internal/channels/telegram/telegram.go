// Package telegram is the Telegram channel adapter: a long-polling
// getUpdates loop feeding the daemon queue, with replies chunked to
// fit Telegram's message size limit.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"bashobot/internal/config"
	"bashobot/internal/daemon"
	"bashobot/internal/httpkit"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// maxMessageLen is Telegram's sendMessage text limit.
	maxMessageLen = 4096

	// pollErrorBackoff throttles the poll loop after a transport error.
	pollErrorBackoff = 5 * time.Second
)

// Channel bridges a Telegram bot to the daemon queue. Each chat maps
// to its own session id ("telegram-<chat_id>").
type Channel struct {
	cfg     config.TelegramConfig
	baseURL string
	http    *http.Client
	allowed map[int64]bool
	logger  *slog.Logger
}

// New creates the channel.
func New(cfg config.TelegramConfig, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[int64]bool, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		allowed[id] = true
	}

	// The long-poll holds the connection open until updates arrive, so
	// the header timeout must outlast the poll window.
	pollTimeout := time.Duration(cfg.PollTimeoutSec) * time.Second
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = pollTimeout + 10*time.Second

	return &Channel{
		cfg:     cfg,
		baseURL: defaultBaseURL,
		http: httpkit.NewClient(
			httpkit.WithTimeout(pollTimeout+15*time.Second),
			httpkit.WithTransport(transport),
		),
		allowed: allowed,
		logger:  logger.With("component", "telegram"),
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Channel) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// Name implements daemon.Listener.
func (c *Channel) Name() string { return "telegram" }

// Run long-polls getUpdates until ctx is cancelled. The update offset
// advances past every update received, including ones from disallowed
// chats, so rejected messages are not re-delivered.
func (c *Channel) Run(ctx context.Context, submit func(daemon.Message)) error {
	pollTimeout := time.Duration(c.cfg.PollTimeoutSec) * time.Second

	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, next, err := c.getUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-time.After(pollErrorBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		offset = next

		for _, u := range updates {
			c.handleUpdate(u, submit)
		}
	}
}

func (c *Channel) handleUpdate(u update, submit func(daemon.Message)) {
	msg := u.Message
	if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	chatID := msg.Chat.ID
	if len(c.allowed) > 0 && !c.allowed[chatID] {
		c.logger.Warn("message from disallowed chat", "chat_id", chatID)
		return
	}

	submit(daemon.Message{
		SessionID: fmt.Sprintf("telegram-%d", chatID),
		Text:      msg.Text,
		Source:    "telegram",
		Reply: func(reply string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.sendMessageChunked(ctx, chatID, reply); err != nil {
				c.logger.Error("send reply failed", "chat_id", chatID, "error", err)
			}
		},
	})
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Chat      *chat  `json:"chat,omitempty"`
	Text      string `json:"text,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type getUpdatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type okResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func (c *Channel) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, int64, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=%d", c.baseURL, c.cfg.BotToken, secs)
	if offset > 0 {
		url += fmt.Sprintf("&offset=%d", offset)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, offset, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, offset, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, offset, fmt.Errorf("telegram http %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out getUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, offset, err
	}
	if !out.OK {
		return nil, offset, fmt.Errorf("telegram getUpdates: ok=false")
	}

	next := offset
	for _, u := range out.Result {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return out.Result, next, nil
}

// sendMessageChunked splits long replies at Telegram's message limit.
func (c *Channel) sendMessageChunked(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cut := maxMessageLen
			// back off to a rune boundary so a multibyte rune is
			// never split across chunks
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			chunk = chunk[:cut]
		}
		if err := c.sendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
		text = strings.TrimSpace(text[len(chunk):])
	}
	return nil
}

func (c *Channel) sendMessage(ctx context.Context, chatID int64, text string) error {
	body, _ := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var ok okResponse
	_ = json.Unmarshal(raw, &ok)
	if !ok.OK {
		return fmt.Errorf("telegram sendMessage: %s", ok.Description)
	}
	return nil
}
