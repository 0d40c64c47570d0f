package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func authOK(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == "alice" && pass == "secret"
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "alice", "secret", "castsink-test", server.Client())
}

func TestLoginSendsBasicAuth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/2/auth/alice/login.json" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if !authOK(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("{}"))
	})

	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLoginAuthFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := client.Login(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if IsRetryable(err) {
		t.Error("auth failure must not be retryable")
	}
}

func TestServerErrorRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := client.Login(context.Background())
	if err == nil || !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable server error", err)
	}

	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Status != http.StatusBadGateway {
		t.Errorf("err = %v", err)
	}
}

func TestUploadActions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2/episodes/alice.json" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var actions []EpisodeAction
		if err := json.NewDecoder(r.Body).Decode(&actions); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(actions) != 1 || actions[0].Action != "play" {
			t.Errorf("payload = %+v", actions)
		}
		json.NewEncoder(w).Encode(map[string]int64{"timestamp": 1234})
	})

	position := int64(10)
	stamp, err := client.UploadActions(context.Background(), []EpisodeAction{{
		Podcast:   "https://feeds.example.com/a",
		Episode:   "https://cdn.example.com/a1.mp3",
		Action:    "play",
		Timestamp: 1700000000,
		Position:  &position,
	}})
	if err != nil {
		t.Fatalf("UploadActions: %v", err)
	}
	if stamp != 1234 {
		t.Errorf("timestamp = %d", stamp)
	}
}

func TestDownloadActions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "99" {
			t.Errorf("since = %q", got)
		}
		w.Write([]byte(`{"actions":[{"podcast":"https://feeds.example.com/a","episode":"e1","action":"play","timestamp":"2023-11-14T22:13:20","position":5}],"timestamp":200}`))
	})

	actions, stamp, err := client.DownloadActions(context.Background(), 99)
	if err != nil {
		t.Fatalf("DownloadActions: %v", err)
	}
	if stamp != 200 || len(actions) != 1 {
		t.Fatalf("stamp=%d actions=%+v", stamp, actions)
	}
	if actions[0].Timestamp != 1700000000 {
		t.Errorf("timestamp = %d", actions[0].Timestamp)
	}
}

func TestDownloadActionsMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, _, err := client.DownloadActions(context.Background(), 0)
	if err == nil || IsRetryable(err) {
		t.Fatalf("err = %v, want non-retryable parse failure", err)
	}
}

func TestSubscriptionChanges(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/2/subscriptions/alice/dev-1.json":
			var delta subscriptionDelta
			if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
				t.Errorf("decode delta: %v", err)
			}
			if len(delta.Add) != 1 || delta.Remove == nil {
				t.Errorf("delta = %+v", delta)
			}
			json.NewEncoder(w).Encode(map[string]int64{"timestamp": 42})
		case r.Method == http.MethodGet && r.URL.Path == "/api/2/subscriptions/alice/dev-1.json":
			w.Write([]byte(`{"add":["https://feeds.example.com/new"],"remove":[],"timestamp":77}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	ctx := context.Background()
	stamp, err := client.UploadSubscriptionChanges(ctx, "dev-1", []string{"https://feeds.example.com/a"}, nil)
	if err != nil || stamp != 42 {
		t.Fatalf("upload: stamp=%d err=%v", stamp, err)
	}

	add, remove, stamp, err := client.DownloadSubscriptionChanges(ctx, "dev-1", 42)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(add) != 1 || len(remove) != 0 || stamp != 77 {
		t.Errorf("add=%v remove=%v stamp=%d", add, remove, stamp)
	}
}

func TestDownloadSubscriptionChangesInitial(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/alice.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`["https://feeds.example.com/a","https://feeds.example.com/b"]`))
	})

	add, remove, stamp, err := client.DownloadSubscriptionChanges(context.Background(), "dev-1", 0)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(add) != 2 || len(remove) != 0 || stamp != 0 {
		t.Errorf("add=%v remove=%v stamp=%d", add, remove, stamp)
	}
}
