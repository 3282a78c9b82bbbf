package auth

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testBotToken = "test-bot-token-12345"

// buildInitData signs params the way Telegram does, with the given auth_date.
func buildInitData(botToken string, authDate time.Time, extra map[string]string) string {
	params := url.Values{}
	params.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	for k, v := range extra {
		params.Set(k, v)
	}

	var pairs []string
	for key, values := range params {
		for _, v := range values {
			pairs = append(pairs, fmt.Sprintf("%s=%s", key, v))
		}
	}
	sort.Strings(pairs)

	secretKey := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	params.Set("hash", hex.EncodeToString(hmacSHA256(secretKey, []byte(strings.Join(pairs, "\n")))))
	return params.Encode()
}

func TestValidateTelegramWebAppData(t *testing.T) {
	user := map[string]string{"user": `{"id":123456,"username":"adbuyer"}`}
	unsigned := url.Values{}
	unsigned.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	unsigned.Set("hash", "invalidhash")
	noDate := url.Values{}
	noDate.Set("hash", "somehash")

	tests := []struct {
		name    string
		data    string
		token   string
		maxAge  time.Duration
		wantErr string
	}{
		{"valid", buildInitData(testBotToken, time.Now().Add(-30*time.Second), user), testBotToken, 5 * time.Minute, ""},
		{"default max age", buildInitData(testBotToken, time.Now().Add(-10*time.Second), user), testBotToken, 0, ""},
		{"expired", buildInitData(testBotToken, time.Now().Add(-10*time.Minute), user), testBotToken, 5 * time.Minute, "expired"},
		{"future", buildInitData(testBotToken, time.Now().Add(5*time.Minute), user), testBotToken, 5 * time.Minute, "future"},
		{"wrong bot token", buildInitData(testBotToken, time.Now(), user), "other-token", 5 * time.Minute, "invalid hash"},
		{"bad hash", unsigned.Encode(), testBotToken, 5 * time.Minute, "invalid hash"},
		{"missing hash", "auth_date=1", testBotToken, 5 * time.Minute, "hash is missing"},
		{"missing auth_date", noDate.Encode(), testBotToken, 5 * time.Minute, "auth_date is missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateTelegramWebAppData(tt.data, tt.token, tt.maxAge)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseWebAppUser(t *testing.T) {
	vals, err := ValidateTelegramWebAppData(
		buildInitData(testBotToken, time.Now(), map[string]string{"user": `{"id":777,"username":"owner"}`}),
		testBotToken, time.Minute)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	u, err := ParseWebAppUser(vals)
	if err != nil {
		t.Fatalf("ParseWebAppUser: %v", err)
	}
	if u.ID != 777 || u.Username != "owner" {
		t.Errorf("user = %+v", u)
	}

	for _, raw := range []string{"", "{", `{"username":"x"}`} {
		vals := url.Values{}
		if raw != "" {
			vals.Set("user", raw)
		}
		if _, err := ParseWebAppUser(vals); err == nil {
			t.Errorf("ParseWebAppUser(%q) accepted", raw)
		}
	}
}
