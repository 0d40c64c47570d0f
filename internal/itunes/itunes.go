package itunes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client interacts with the iTunes Search API, used to discover feed URLs by
// name.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client using the provided HTTP client. The baseURL can
// be overridden for testing; if empty the public API endpoint is used.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://itunes.apple.com"
	}
	return &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// Result is a podcast returned by the search API.
type Result struct {
	CollectionID string
	Title        string
	Author       string
	FeedURL      string
	Genre        string
}

// Search queries the API for podcasts matching the supplied term.
func (c *Client) Search(ctx context.Context, term string, limit int) ([]Result, error) {
	if strings.TrimSpace(term) == "" {
		return nil, fmt.Errorf("search term cannot be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	endpoint, err := url.Parse(c.baseURL + "/search")
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("media", "podcast")
	q.Set("term", term)
	q.Set("limit", strconv.Itoa(limit))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("itunes search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("itunes search failed: %s", resp.Status)
	}

	var payload struct {
		Results []podcastResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(payload.Results))
	for _, item := range payload.Results {
		if strings.TrimSpace(item.FeedURL) == "" {
			continue
		}
		results = append(results, Result{
			CollectionID: strconv.FormatInt(item.CollectionID, 10),
			Title:        item.CollectionName,
			Author:       item.ArtistName,
			FeedURL:      item.FeedURL,
			Genre:        item.PrimaryGenreName,
		})
	}
	return results, nil
}

type podcastResult struct {
	CollectionID     int64  `json:"collectionId"`
	CollectionName   string `json:"collectionName"`
	ArtistName       string `json:"artistName"`
	FeedURL          string `json:"feedUrl"`
	PrimaryGenreName string `json:"primaryGenreName"`
}
