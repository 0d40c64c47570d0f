package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrAuthFailed means the server rejected the credentials. It is fatal; no
// retry can help until the configuration changes.
var ErrAuthFailed = errors.New("sync server rejected credentials")

// ServerError is a non-auth failure talking to the sync server.
type ServerError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *ServerError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("sync server: http status %d", e.Status)
	}
	return fmt.Sprintf("sync server: %v", e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// IsRetryable reports whether a sync failure is worth retrying later.
// Authentication failures and malformed responses are not.
func IsRetryable(err error) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Retryable
	}
	return false
}

// Client talks to a gpodder.net compatible server.
type Client struct {
	baseURL    string
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
}

func NewClient(baseURL, username, password, userAgent string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// Login verifies the credentials and establishes a session.
func (c *Client) Login(ctx context.Context) error {
	path := fmt.Sprintf("/api/2/auth/%s/login.json", url.PathEscape(c.username))
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

// Devices lists the devices registered for this account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	path := fmt.Sprintf("/api/2/devices/%s.json", url.PathEscape(c.username))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, &ServerError{Err: fmt.Errorf("parse devices: %w", err)}
	}
	return devices, nil
}

// RegisterDevice creates or renames a device on the server.
func (c *Client) RegisterDevice(ctx context.Context, deviceID, caption string) error {
	path := fmt.Sprintf("/api/2/devices/%s/%s.json",
		url.PathEscape(c.username), url.PathEscape(deviceID))
	payload := map[string]string{"caption": caption, "type": "laptop"}
	_, err := c.do(ctx, http.MethodPost, path, payload)
	return err
}

// UploadActions pushes episode actions and returns the server timestamp for
// the next pull.
func (c *Client) UploadActions(ctx context.Context, actions []EpisodeAction) (int64, error) {
	path := fmt.Sprintf("/api/2/episodes/%s.json", url.PathEscape(c.username))
	body, err := c.do(ctx, http.MethodPost, path, actions)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &ServerError{Err: fmt.Errorf("parse upload response: %w", err)}
	}
	return resp.Timestamp, nil
}

// DownloadActions pulls episode actions recorded since the given server
// timestamp, across all devices.
func (c *Client) DownloadActions(ctx context.Context, since int64) ([]EpisodeAction, int64, error) {
	path := fmt.Sprintf("/api/2/episodes/%s.json?since=%d", url.PathEscape(c.username), since)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	var page actionsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, &ServerError{Err: fmt.Errorf("parse actions: %w", err)}
	}
	return page.Actions, page.Timestamp, nil
}

// UploadSubscriptionChanges pushes feed URL additions and removals for one
// device and returns the server timestamp for the next pull.
func (c *Client) UploadSubscriptionChanges(ctx context.Context, deviceID string, add, remove []string) (int64, error) {
	path := fmt.Sprintf("/api/2/subscriptions/%s/%s.json",
		url.PathEscape(c.username), url.PathEscape(deviceID))
	if add == nil {
		add = []string{}
	}
	if remove == nil {
		remove = []string{}
	}
	body, err := c.do(ctx, http.MethodPost, path, subscriptionDelta{Add: add, Remove: remove})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &ServerError{Err: fmt.Errorf("parse subscription upload response: %w", err)}
	}
	return resp.Timestamp, nil
}

// DownloadSubscriptionChanges pulls subscription deltas for one device since
// the given server timestamp. A zero timestamp fetches the account's full
// subscription list as additions instead.
func (c *Client) DownloadSubscriptionChanges(ctx context.Context, deviceID string, since int64) (add, remove []string, timestamp int64, err error) {
	if since == 0 {
		path := fmt.Sprintf("/subscriptions/%s.json", url.PathEscape(c.username))
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, nil, 0, err
		}
		var urls []string
		if err := json.Unmarshal(body, &urls); err != nil {
			return nil, nil, 0, &ServerError{Err: fmt.Errorf("parse subscriptions: %w", err)}
		}
		return urls, nil, 0, nil
	}

	path := fmt.Sprintf("/api/2/subscriptions/%s/%s.json?since=%d",
		url.PathEscape(c.username), url.PathEscape(deviceID), since)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, 0, err
	}
	var delta subscriptionDelta
	if err := json.Unmarshal(body, &delta); err != nil {
		return nil, nil, 0, &ServerError{Err: fmt.Errorf("parse subscription delta: %w", err)}
	}
	return delta.Add, delta.Remove, delta.Timestamp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(c.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures are transient from this client's point of view.
		return nil, &ServerError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthFailed
	case resp.StatusCode >= 500:
		return nil, &ServerError{Status: resp.StatusCode, Retryable: true}
	default:
		return nil, &ServerError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServerError{Retryable: true, Err: err}
	}
	return data, nil
}
