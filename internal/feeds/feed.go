package feeds

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"castsink/internal/domain"
)

// FetchError kinds. Timeout and 5xx responses are retried with backoff;
// malformed documents and other HTTP statuses are not.
const (
	KindTimeout   = "timeout"
	KindHTTP      = "http"
	KindMalformed = "malformed"
)

type FetchError struct {
	Kind   string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("fetch feed: http status %d", e.Status)
	case KindTimeout:
		return fmt.Sprintf("fetch feed: timeout: %v", e.Err)
	default:
		return fmt.Sprintf("fetch feed: malformed document: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: a timeout, connection
// error, or server-side status.
func (e *FetchError) Retryable() bool {
	if e.Kind == KindTimeout {
		return true
	}
	return e.Kind == KindHTTP && e.Status >= 500
}

// Feed is the normalized result of one fetch.
type Feed struct {
	Title       string
	Description string
	Author      string
	Explicit    bool
	Episodes    []domain.EpisodeInput
}

type SleepFunc func(context.Context, time.Duration) error

// Fetcher retrieves and parses podcast feeds with a bounded retry budget.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	sleep      SleepFunc
}

func NewFetcher(client *http.Client, userAgent string, maxRetries int, sleep SleepFunc) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if sleep == nil {
		sleep = defaultSleep
	}
	return &Fetcher{client: client, userAgent: userAgent, maxRetries: maxRetries, sleep: sleep}
}

// Fetch retrieves a feed URL, retrying transient failures up to the
// configured maximum with exponential backoff. Malformed documents fail
// immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Feed, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return Feed{}, ctx.Err()
		}
		feed, err := f.fetchOnce(ctx, url)
		if err == nil {
			return feed, nil
		}
		lastErr = err

		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) || !fetchErr.Retryable() {
			return Feed{}, err
		}
		if attempt == f.maxRetries-1 {
			break
		}
		if err := f.sleep(ctx, time.Second<<attempt); err != nil {
			return Feed{}, err
		}
	}
	return Feed{}, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Feed{}, &FetchError{Kind: KindMalformed, Err: err}
	}
	if ua := strings.TrimSpace(f.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Feed{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Feed{}, &FetchError{Kind: KindHTTP, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Feed{}, classifyTransportError(err)
	}

	return parseFeed(data)
}

func classifyTransportError(err error) *FetchError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	// Connection resets and refusals count as transient too.
	return &FetchError{Kind: KindTimeout, Err: err}
}

func parseFeed(data []byte) (Feed, error) {
	var rss rssDocument
	if err := xml.Unmarshal(data, &rss); err != nil {
		return Feed{}, &FetchError{Kind: KindMalformed, Err: err}
	}

	feed := Feed{
		Title:       strings.TrimSpace(rss.Channel.Title),
		Description: strings.TrimSpace(rss.Channel.Description),
		Author:      strings.TrimSpace(rss.Channel.Author),
		Explicit:    parseExplicit(rss.Channel.Explicit),
	}

	seen := make(map[string]bool, len(rss.Channel.Items))
	feed.Episodes = make([]domain.EpisodeInput, 0, len(rss.Channel.Items))
	for _, item := range rss.Channel.Items {
		enclosure := strings.TrimSpace(item.Enclosure.URL)
		if enclosure == "" {
			continue
		}
		guid := strings.TrimSpace(item.GUID.Value)

		episode := domain.EpisodeInput{
			GUID:         guid,
			Title:        strings.TrimSpace(item.Title),
			Description:  strings.TrimSpace(item.Description),
			EnclosureURL: enclosure,
			Duration:     parseDuration(item.Duration),
		}

		// Duplicate guids within one document collapse to the first
		// occurrence; episodes without a usable guid key off the enclosure.
		identity := episode.Identity()
		if seen[identity] {
			continue
		}
		seen[identity] = true

		// A malformed pubdate keeps the episode with no ordering key; it
		// sorts last.
		if published, err := parseTime(item.PubDate); err == nil {
			t := published.UTC()
			episode.PublishedAt = &t
		}

		feed.Episodes = append(feed.Episodes, episode)
	}

	return feed, nil
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", value)
}

// parseDuration handles the itunes:duration forms: plain seconds, MM:SS and
// HH:MM:SS.
func parseDuration(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parts := strings.Split(value, ":")
	if len(parts) == 1 {
		seconds, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || seconds < 0 {
			return 0
		}
		return seconds
	}
	if len(parts) > 3 {
		return 0
	}
	var total int64
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func parseExplicit(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "explicit", "true":
		return true
	default:
		return false
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Description string    `xml:"description"`
	Author      string    `xml:"author"`
	Explicit    string    `xml:"explicit"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	GUID        rssGUID      `xml:"guid"`
	Title       string       `xml:"title"`
	Description string       `xml:"description"`
	PubDate     string       `xml:"pubDate"`
	Duration    string       `xml:"duration"`
	Enclosure   rssEnclosure `xml:"enclosure"`
}

type rssGUID struct {
	Value string `xml:",chardata"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}
