package downloads

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"castsink/internal/config"
	"castsink/internal/domain"
	"castsink/internal/events"
	"castsink/internal/repository"
	"castsink/internal/storage"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "castsink.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repository.New(db)
}

func seedEpisode(t *testing.T, store *repository.Store, enclosureURL string) domain.Episode {
	t.Helper()
	ctx := context.Background()
	podcast := domain.Podcast{ID: "pod1", Title: "Test Cast", FeedURL: "https://feeds.example.com/test"}
	if err := store.SavePodcast(ctx, podcast); err != nil {
		t.Fatalf("save podcast: %v", err)
	}
	episode := domain.Episode{
		ID:           domain.EpisodeID("pod1", "ep-1"),
		PodcastID:    "pod1",
		Title:        "Episode One",
		GUID:         "ep-1",
		EnclosureURL: enclosureURL,
	}
	if _, err := store.InsertEpisodes(ctx, []domain.Episode{episode}); err != nil {
		t.Fatalf("insert episode: %v", err)
	}
	return episode
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.DownloadRoot = t.TempDir()
	cfg.MaxRetries = 2
	cfg.RetryBackoffMaxSec = 1
	return cfg
}

func TestDownloadEpisodeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("fake mp3 payload"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/ep1.mp3")
	cfg := testConfig(t)
	service := NewService(cfg, store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, err := store.GetPodcast(ctx, "pod1")
	if err != nil {
		t.Fatal(err)
	}

	finalPath, err := service.DownloadEpisode(ctx, podcast, episode)
	if err != nil {
		t.Fatalf("DownloadEpisode: %v", err)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "fake mp3 payload" {
		t.Errorf("payload = %q", data)
	}
	if _, err := os.Stat(finalPath + ".partial"); !os.IsNotExist(err) {
		t.Error("staging file left behind")
	}

	got, err := store.GetEpisode(ctx, episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DownloadState != domain.DownloadStateDownloaded || got.FilePath != finalPath {
		t.Errorf("episode = %+v", got)
	}

	actions, err := store.ListActions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Kind != domain.ActionDownload {
		t.Errorf("actions = %+v", actions)
	}
	if actions[0].Source != domain.SourceLocal {
		t.Errorf("action source = %q", actions[0].Source)
	}
}

func TestDownloadEpisodeDoesNotRetryClientError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/gone.mp3")
	service := NewService(testConfig(t), store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, _ := store.GetPodcast(ctx, "pod1")
	if _, err := service.DownloadEpisode(ctx, podcast, episode); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	got, _ := store.GetEpisode(ctx, episode.ID)
	if got.DownloadState != domain.DownloadStateFailed {
		t.Errorf("state = %q, want FAILED", got.DownloadState)
	}
}

func TestDownloadEpisodeRetriesServerError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/flaky.mp3")
	service := NewService(testConfig(t), store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, _ := store.GetPodcast(ctx, "pod1")
	if _, err := service.DownloadEpisode(ctx, podcast, episode); err != nil {
		t.Fatalf("DownloadEpisode: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	got, _ := store.GetEpisode(ctx, episode.ID)
	if got.DownloadState != domain.DownloadStateDownloaded {
		t.Errorf("state = %q, want DOWNLOADED", got.DownloadState)
	}
}

func TestDownloadEpisodeRejectsNonMediaContent(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not a podcast</html>"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/page")
	service := NewService(testConfig(t), store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, _ := store.GetPodcast(ctx, "pod1")
	if _, err := service.DownloadEpisode(ctx, podcast, episode); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDeleteDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/ep1.mp3")
	service := NewService(testConfig(t), store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, _ := store.GetPodcast(ctx, "pod1")
	finalPath, err := service.DownloadEpisode(ctx, podcast, episode)
	if err != nil {
		t.Fatal(err)
	}

	if err := service.DeleteDownload(ctx, episode.ID); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	if _, err := os.Stat(finalPath); !os.IsNotExist(err) {
		t.Error("file should be removed")
	}
	got, _ := store.GetEpisode(ctx, episode.ID)
	if got.DownloadState != domain.DownloadStateNone || got.FilePath != "" {
		t.Errorf("episode = %+v", got)
	}

	// Deleting again is fine; the file is already gone.
	if err := service.DeleteDownload(ctx, episode.ID); err != nil {
		t.Fatalf("second DeleteDownload: %v", err)
	}
}

func TestEpisodeBasePathIncludesPublishDate(t *testing.T) {
	cfg := config.Defaults()
	cfg.DownloadRoot = "/data"
	service := NewService(cfg, nil, nil, nil, noSleep)

	published := time.Date(2024, 7, 15, 6, 0, 0, 0, time.UTC)
	got, err := service.episodeBasePath(
		domain.Podcast{Title: "My Show"},
		domain.Episode{Title: "Ep: One?", EnclosureURL: "https://x/a.m4a", PublishedAt: published, HasPublish: true},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/data", "My_Show", "Ep_One_20240715")
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestDownloadEpisodeNamesFileByContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/stream.bin")
	cfg := testConfig(t)
	service := NewService(cfg, store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, _ := store.GetPodcast(ctx, "pod1")
	finalPath, err := service.DownloadEpisode(ctx, podcast, episode)
	if err != nil {
		t.Fatalf("DownloadEpisode: %v", err)
	}

	want := filepath.Join(cfg.DownloadRoot, "Test_Cast", "Episode_One.m4a")
	if finalPath != want {
		t.Errorf("path = %q, want %q", finalPath, want)
	}
	if _, err := os.Stat(finalPath); err != nil {
		t.Errorf("stat final file: %v", err)
	}
}

func TestDownloadEpisodeAcceptsPartialContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/ep1.mp3")
	service := NewService(testConfig(t), store, server.Client(), events.NewBus(), noSleep)
	ctx := context.Background()

	podcast, _ := store.GetPodcast(ctx, "pod1")
	if _, err := service.DownloadEpisode(ctx, podcast, episode); err != nil {
		t.Fatalf("DownloadEpisode: %v", err)
	}
	got, _ := store.GetEpisode(ctx, episode.ID)
	if got.DownloadState != domain.DownloadStateDownloaded {
		t.Errorf("state = %q, want DOWNLOADED", got.DownloadState)
	}
}

// cancelOnEOF cancels a context the moment the response body is exhausted,
// so the cancellation lands between the last read and the publish step.
type cancelOnEOF struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnEOF) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		c.cancel()
	}
	return n, err
}

type cancelOnEOFTransport struct {
	base   http.RoundTripper
	cancel context.CancelFunc
}

func (t *cancelOnEOFTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		resp.Body = &cancelOnEOF{ReadCloser: resp.Body, cancel: t.cancel}
	}
	return resp, err
}

func TestDownloadEpisodeCancelDiscardsResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := newTestStore(t)
	episode := seedEpisode(t, store, server.URL+"/ep1.mp3")
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &http.Client{Transport: &cancelOnEOFTransport{base: http.DefaultTransport, cancel: cancel}}
	service := NewService(cfg, store, client, events.NewBus(), noSleep)

	podcast, _ := store.GetPodcast(context.Background(), "pod1")
	if _, err := service.DownloadEpisode(ctx, podcast, episode); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// A canceled download publishes nothing: no final file, no staging file.
	err := filepath.WalkDir(cfg.DownloadRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			t.Errorf("unexpected file left behind: %s", p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExtensionForMime(t *testing.T) {
	if got := ExtensionForMime("audio/mpeg"); got != ".mp3" {
		t.Errorf("audio/mpeg = %q", got)
	}
	if got := ExtensionForMime("audio/mp4; charset=binary"); got != ".m4a" {
		t.Errorf("audio/mp4 = %q", got)
	}
	if got := ExtensionForMime("text/html"); got != "" {
		t.Errorf("text/html = %q", got)
	}
}
