// Package telegram is the client for the bot service's internal HTTP API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BotClient communicates with the bot service internal API.
type BotClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewBotClient(baseURL string, log *zap.Logger) *BotClient {
	return &BotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

// StatusError is a non-2xx answer from the bot service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bot service returned %d: %s", e.Code, e.Body)
}

type BotRights struct {
	IsAdmin           bool `json:"is_admin"`
	CanPostMessages   bool `json:"can_post_messages"`
	CanDeleteMessages bool `json:"can_delete_messages"`
}

// BotRights reports what the bot may do in the channel.
func (c *BotClient) BotRights(ctx context.Context, chatID int64) (*BotRights, error) {
	var rights BotRights
	url := fmt.Sprintf("%s/internal/chats/%d/bot_rights", c.baseURL, chatID)
	if err := c.do(ctx, http.MethodGet, url, nil, &rights); err != nil {
		return nil, err
	}
	return &rights, nil
}

// CanPost is true when the bot is an admin with posting rights.
func (c *BotClient) CanPost(ctx context.Context, chatID int64) (bool, error) {
	rights, err := c.BotRights(ctx, chatID)
	if err != nil {
		return false, err
	}
	return rights.IsAdmin && rights.CanPostMessages, nil
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type PostRequest struct {
	DealID    string   `json:"deal_id"`
	ChatID    int64    `json:"chat_id"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Buttons   []Button `json:"buttons,omitempty"`
}

type PostResult struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	PostURL   string `json:"post_url"`
}

func (c *BotClient) SendPost(ctx context.Context, req PostRequest) (*PostResult, error) {
	var result PostResult
	url := fmt.Sprintf("%s/internal/deals/%s/post", c.baseURL, req.DealID)
	if err := c.do(ctx, http.MethodPost, url, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteMessage removes a channel message. A message that is already gone is not an error.
func (c *BotClient) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	url := fmt.Sprintf("%s/internal/chats/%d/messages/%d", c.baseURL, chatID, messageID)
	err := c.do(ctx, http.MethodDelete, url, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *BotClient) SendNotification(ctx context.Context, telegramUserID int64, text string) error {
	body := map[string]any{
		"telegram_user_id": telegramUserID,
		"text":             text,
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/internal/notify", body, nil); err != nil {
		c.log.Warn("failed to send bot notification", zap.Int64("telegram_user_id", telegramUserID), zap.Error(err))
		return err
	}
	return nil
}

func (c *BotClient) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
