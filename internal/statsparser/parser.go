package statsparser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ErrNoPublicLink is returned for channels without a public username; their posts have no t.me page.
var ErrNoPublicLink = errors.New("channel has no public username")

// PostSnapshot is what the public post page showed at check time.
type PostSnapshot struct {
	Exists      bool      `json:"exists"`
	Text        string    `json:"text,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Views       int       `json:"views"`
	Reactions   int       `json:"reactions"`
	Forwards    int       `json:"forwards"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type Parser struct {
	httpClient *http.Client
	log        *zap.Logger
	baseURL    string
	maxRetries int
}

func NewParser(timeoutMS, maxRetries int, log *zap.Logger) *Parser {
	return &Parser{
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutMS) * time.Millisecond,
		},
		log:        log,
		baseURL:    "https://t.me",
		maxRetries: maxRetries,
	}
}

// WithBaseURL points the parser at a different host (tests, mirrors).
func (p *Parser) WithBaseURL(u string) *Parser {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

// InspectPost fetches the embedded view of a channel post. A missing page or an
// empty widget means the post was deleted.
func (p *Parser) InspectPost(ctx context.Context, username string, messageID int64) (*PostSnapshot, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, ErrNoPublicLink
	}
	url := fmt.Sprintf("%s/%s/%d?embed=1", p.baseURL, username, messageID)

	doc, found, err := p.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	snap := &PostSnapshot{FetchedAt: time.Now()}
	if !found {
		return snap, nil
	}

	msg := doc.Find(".tgme_widget_message")
	if msg.Length() == 0 || doc.Find(".tgme_widget_message_error").Length() > 0 {
		return snap, nil
	}

	snap.Exists = true
	snap.Text = strings.TrimSpace(msg.Find(".tgme_widget_message_text").First().Text())

	// Media and link buttons count as content too, so an edit that swaps them is detected.
	var media []string
	msg.Find(".tgme_widget_message_photo_wrap, .tgme_widget_message_video_player, .tgme_widget_message_inline_button").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			media = append(media, href)
		} else {
			media = append(media, goquery.NodeName(s))
		}
	})
	snap.ContentHash = ContentHash(snap.Text, media...)

	snap.Views = parseCount(msg.Find(".tgme_widget_message_views").First().Text())
	msg.Find(".tgme_widget_message_reactions .tgme_reaction").Each(func(_ int, s *goquery.Selection) {
		snap.Reactions += parseCount(s.Text())
	})
	snap.Forwards = parseCount(msg.Find(".tgme_widget_message_forwards").First().Text())

	return snap, nil
}

// fetch GETs url with retries. found is false on 404.
func (p *Parser) fetch(ctx context.Context, url string) (*goquery.Document, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, false, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, false, nil
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
			continue
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return doc, true, nil
	}
	p.log.Warn("t.me fetch failed", zap.String("url", url), zap.Error(lastErr))
	return nil, false, lastErr
}

// ContentHash is the hex sha256 of whitespace-normalised text plus media markers.
func ContentHash(text string, media ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(strings.Fields(text), " ")))
	for _, m := range media {
		h.Write([]byte{0})
		h.Write([]byte(m))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var viewCountRE = regexp.MustCompile(`[\d,.]+[KkMm]?`)

func parseCount(text string) int {
	text = strings.ReplaceAll(text, " ", "")
	text = strings.ReplaceAll(text, ",", "")

	match := viewCountRE.FindString(text)
	if match == "" {
		return 0
	}

	multiplier := 1
	if strings.HasSuffix(match, "K") || strings.HasSuffix(match, "k") {
		multiplier = 1000
		match = match[:len(match)-1]
	} else if strings.HasSuffix(match, "M") || strings.HasSuffix(match, "m") {
		multiplier = 1000000
		match = match[:len(match)-1]
	}

	f, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return int(f * float64(multiplier))
}
