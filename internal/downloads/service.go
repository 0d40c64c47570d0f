package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"castsink/internal/config"
	"castsink/internal/domain"
	"castsink/internal/events"
	"castsink/internal/repository"
)

var invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// extensionByMime maps enclosure content types to file extensions, consulted
// before falling back to the URL path.
var extensionByMime = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/aac":       ".aac",
	"audio/ogg":       ".ogg",
	"audio/vorbis":    ".ogg",
	"audio/opus":      ".opus",
	"audio/x-wav":     ".wav",
	"audio/wav":       ".wav",
	"audio/flac":      ".flac",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

type SleepFunc func(context.Context, time.Duration) error

// permanentError marks a failure that further attempts cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Service struct {
	cfg        config.Config
	store      *repository.Store
	httpClient *http.Client
	bus        *events.Bus
	sleep      SleepFunc
}

func NewService(cfg config.Config, store *repository.Store, client *http.Client, bus *events.Bus, sleep SleepFunc) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	if sleep == nil {
		sleep = defaultSleep
	}
	return &Service{cfg: cfg, store: store, httpClient: client, bus: bus, sleep: sleep}
}

// DownloadEpisode fetches one enclosure to its final location, retrying
// transient failures with exponential backoff capped by the configured
// maximum. On success the episode is marked downloaded and a download action
// is appended to the log; on exhausted retries or a permanent failure the
// episode is marked failed.
func (s *Service) DownloadEpisode(ctx context.Context, podcast domain.Podcast, episode domain.Episode) (string, error) {
	basePath, err := s.episodeBasePath(podcast, episode)
	if err != nil {
		return "", s.fail(ctx, episode.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return "", s.fail(ctx, episode.ID, err)
	}

	attempts := s.cfg.MaxRetries + 1
	if attempts <= 0 {
		attempts = 1
	}

	var attemptErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		finalPath, err := s.downloadOnce(ctx, episode, basePath)
		if err == nil {
			return finalPath, s.finish(ctx, podcast, episode, finalPath)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}

		attemptErr = err
		if err := s.store.IncrementRetryCount(ctx, episode.ID); err != nil {
			return "", err
		}
		if isPermanent(attemptErr) || i == attempts-1 {
			break
		}

		backoff := time.Second << i
		maxBackoff := time.Duration(s.cfg.RetryBackoffMaxSec) * time.Second
		if maxBackoff > 0 && backoff > maxBackoff {
			backoff = maxBackoff
		}
		if err := s.sleep(ctx, backoff); err != nil {
			return "", err
		}
	}
	return "", s.fail(ctx, episode.ID, attemptErr)
}

func (s *Service) finish(ctx context.Context, podcast domain.Podcast, episode domain.Episode, finalPath string) error {
	if err := s.store.FinishDownload(ctx, episode.ID, finalPath); err != nil {
		return err
	}
	if _, err := s.store.AppendAction(ctx, domain.Action{
		EpisodeID:  episode.ID,
		PodcastURL: podcast.FeedURL,
		EpisodeURL: episode.EnclosureURL,
		Kind:       domain.ActionDownload,
		Timestamp:  time.Now().Unix(),
		Source:     domain.SourceLocal,
	}); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.EpisodeChanged, PodcastID: episode.PodcastID, EpisodeID: episode.ID})
	return nil
}

func (s *Service) fail(ctx context.Context, episodeID string, cause error) error {
	if err := s.store.FailDownload(ctx, episodeID); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.EpisodeChanged, EpisodeID: episodeID})
	return cause
}

func (s *Service) downloadOnce(ctx context.Context, episode domain.Episode, basePath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, episode.EnclosureURL, nil)
	if err != nil {
		return "", permanent(err)
	}
	if ua := strings.TrimSpace(s.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download episode: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("download failed: %s", resp.Status)
	default:
		return "", permanent(fmt.Errorf("download failed: %s", resp.Status))
	}

	contentType := resp.Header.Get("Content-Type")
	if err := checkContentType(contentType); err != nil {
		return "", permanent(err)
	}

	// The served content type names the format more reliably than the URL;
	// fall back to the URL path extension for octet-stream and friends.
	ext := ExtensionForMime(contentType)
	if ext == "" {
		ext = fileExtension(episode.EnclosureURL)
	}
	finalPath := basePath + ext

	// Stage next to the destination so the final step is a rename on the
	// same filesystem. A crash leaves only a .partial behind.
	partialPath := finalPath + ".partial"
	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}

	writer := &progressWriter{
		bus:       s.bus,
		episodeID: episode.ID,
		total:     resp.ContentLength,
	}
	if _, err := io.Copy(io.MultiWriter(file, writer), resp.Body); err != nil {
		file.Close()
		os.Remove(partialPath)
		return "", err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(partialPath)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(partialPath)
		return "", err
	}

	// A cancel that lands after the last read must not publish the file;
	// the manager resets the episode and the staging copy is discarded.
	if err := ctx.Err(); err != nil {
		os.Remove(partialPath)
		return "", err
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

// checkContentType accepts audio and video enclosures, plus the generic
// octet-stream many hosts serve. Anything else is not a media file.
func checkContentType(value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return nil
	}
	if strings.HasPrefix(mediaType, "audio/") || strings.HasPrefix(mediaType, "video/") {
		return nil
	}
	if mediaType == "application/octet-stream" {
		return nil
	}
	return fmt.Errorf("unsupported content type %q", mediaType)
}

// DeleteDownload removes an episode's file and resets its download state.
// A file already gone is not an error.
func (s *Service) DeleteDownload(ctx context.Context, episodeID string) error {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	if episode.FilePath != "" {
		if err := os.Remove(episode.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.store.ResetDownload(ctx, episodeID); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.EpisodeChanged, PodcastID: episode.PodcastID, EpisodeID: episodeID})
	return nil
}

// DeleteAllDownloads removes every downloaded file, continuing past
// individual failures and reporting them together.
func (s *Service) DeleteAllDownloads(ctx context.Context) error {
	episodes, err := s.store.ListDownloaded(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, episode := range episodes {
		if err := s.DeleteDownload(ctx, episode.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", episode.ID, err))
		}
	}
	return errors.Join(errs...)
}

// episodeBasePath builds the destination path without an extension; the
// extension is chosen per attempt from the response content type.
func (s *Service) episodeBasePath(podcast domain.Podcast, episode domain.Episode) (string, error) {
	root := strings.TrimSpace(s.cfg.DownloadRoot)
	if root == "" {
		return "", fmt.Errorf("download root is not configured")
	}
	podcastName := safeFilename(podcast.Title)
	if podcastName == "" {
		podcastName = "podcast"
	}
	episodeName := safeFilename(episode.Title)
	if episodeName == "" {
		episodeName = "episode"
	}
	if episode.HasPublish {
		episodeName += "_" + episode.PublishedAt.UTC().Format("20060102")
	}
	return filepath.Join(root, podcastName, episodeName), nil
}

func safeFilename(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := invalidPathChars.ReplaceAllString(value, "_")
	cleaned = strings.Trim(cleaned, "._- ")
	if cleaned == "" {
		return ""
	}
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	return cleaned
}

func fileExtension(rawURL string) string {
	if rawURL == "" {
		return ".mp3"
	}
	u, err := url.Parse(rawURL)
	if err == nil {
		ext := path.Ext(u.Path)
		if ext != "" && len(ext) <= 10 {
			return ext
		}
	}
	return ".mp3"
}

// ExtensionForMime returns the preferred extension for an enclosure content
// type, or empty when the type is unknown.
func ExtensionForMime(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return extensionByMime[mediaType]
}

// progressWriter publishes byte counts as they arrive. Publishing is
// non-blocking so a slow subscriber never stalls the copy.
type progressWriter struct {
	bus       *events.Bus
	episodeID string
	done      int64
	total     int64
	lastSent  int64
}

const progressStep = 256 * 1024

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.done-w.lastSent >= progressStep || (w.total > 0 && w.done == w.total) {
		w.lastSent = w.done
		w.bus.Publish(events.Event{
			Kind:      events.DownloadProgress,
			EpisodeID: w.episodeID,
			Done:      w.done,
			Total:     w.total,
		})
	}
	return len(p), nil
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
