package statsparser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"1.2K", 1200},
		{"1.5M", 1500000},
		{"123", 123},
		{"12,345", 12345},
		{"1 234", 1234},
		{"5.6K views", 5600},
		{"100K", 100000},
		{"2.3M", 2300000},
		{"0", 0},
		{"", 0},
		{"no number", 0},
		{"42k", 42000},
		{"3.14k", 3140},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseCount(tt.input)
			if result != tt.expected {
				t.Errorf("parseCount(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestContentHashNormalisesWhitespace(t *testing.T) {
	a := ContentHash("Buy  now\n at shop")
	b := ContentHash(" Buy now at shop ")
	if a != b {
		t.Errorf("hashes differ for whitespace-only change: %s vs %s", a, b)
	}
	if ContentHash("Buy now at shop", "https://x/y.jpg") == a {
		t.Error("media should change the hash")
	}
	if ContentHash("Buy later at shop") == a {
		t.Error("text edit should change the hash")
	}
}

const livePost = `<html><body>
<div class="tgme_widget_message" data-post="adchan/42">
  <div class="tgme_widget_message_text">Best VPN deal, 50% off</div>
  <div class="tgme_widget_message_reactions">
    <span class="tgme_reaction">12</span><span class="tgme_reaction">1.1K</span>
  </div>
  <span class="tgme_widget_message_views">5.6K</span>
</div>
</body></html>`

const deletedPost = `<html><body>
<div class="tgme_widget_message_error">Post not found</div>
</body></html>`

func TestInspectPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/adchan/42":
			w.Write([]byte(livePost))
		case "/adchan/43":
			w.Write([]byte(deletedPost))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewParser(2000, 0, zap.NewNop()).WithBaseURL(srv.URL)
	ctx := context.Background()

	tests := []struct {
		name      string
		username  string
		messageID int64
		exists    bool
		views     int
		reactions int
	}{
		{"live", "@adchan", 42, true, 5600, 1112},
		{"widget error", "adchan", 43, false, 0, 0},
		{"404", "adchan", 44, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := p.InspectPost(ctx, tt.username, tt.messageID)
			if err != nil {
				t.Fatalf("InspectPost: %v", err)
			}
			if snap.Exists != tt.exists {
				t.Errorf("Exists = %v, want %v", snap.Exists, tt.exists)
			}
			if snap.Views != tt.views {
				t.Errorf("Views = %d, want %d", snap.Views, tt.views)
			}
			if snap.Reactions != tt.reactions {
				t.Errorf("Reactions = %d, want %d", snap.Reactions, tt.reactions)
			}
			if tt.exists && snap.ContentHash != ContentHash("Best VPN deal, 50% off") {
				t.Errorf("ContentHash = %s, want hash of post text", snap.ContentHash)
			}
		})
	}
}

func TestInspectPostWithoutUsername(t *testing.T) {
	p := NewParser(1000, 0, zap.NewNop())
	_, err := p.InspectPost(context.Background(), "", 1)
	if !errors.Is(err, ErrNoPublicLink) {
		t.Errorf("err = %v, want ErrNoPublicLink", err)
	}
}

func TestInspectPostServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewParser(1000, 1, zap.NewNop()).WithBaseURL(srv.URL)
	if _, err := p.InspectPost(context.Background(), "adchan", 1); err == nil {
		t.Error("expected error on 502")
	}
}
