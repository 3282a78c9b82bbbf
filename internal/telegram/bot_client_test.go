package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBotClient(t *testing.T) {
	var posted PostRequest
	var notified map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/internal/chats/-100/bot_rights":
			json.NewEncoder(w).Encode(BotRights{IsAdmin: true, CanPostMessages: true})
		case r.Method == http.MethodGet && r.URL.Path == "/internal/chats/-200/bot_rights":
			json.NewEncoder(w).Encode(BotRights{IsAdmin: true})
		case r.Method == http.MethodPost && r.URL.Path == "/internal/deals/d1/post":
			json.NewDecoder(r.Body).Decode(&posted)
			json.NewEncoder(w).Encode(PostResult{MessageID: 77, ChatID: posted.ChatID})
		case r.Method == http.MethodDelete && r.URL.Path == "/internal/chats/-100/messages/77":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/internal/chats/-100/messages/78":
			http.NotFound(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/internal/notify":
			json.NewDecoder(r.Body).Decode(&notified)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewBotClient(srv.URL+"/", zap.NewNop())
	ctx := context.Background()

	ok, err := c.CanPost(ctx, -100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CanPost(ctx, -200)
	require.NoError(t, err)
	assert.False(t, ok, "admin without posting rights cannot post")

	res, err := c.SendPost(ctx, PostRequest{DealID: "d1", ChatID: -100, Text: "hello", Buttons: []Button{{Text: "Go", URL: "https://x.io"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(77), res.MessageID)
	assert.Equal(t, "hello", posted.Text)
	require.Len(t, posted.Buttons, 1)

	assert.NoError(t, c.DeleteMessage(ctx, -100, 77))
	assert.NoError(t, c.DeleteMessage(ctx, -100, 78), "already deleted is fine")

	require.NoError(t, c.SendNotification(ctx, 42, "paid"))
	assert.Equal(t, "paid", notified["text"])
	assert.EqualValues(t, 42, notified["telegram_user_id"])

	_, err = c.BotRights(ctx, -300)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}
