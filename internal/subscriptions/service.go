package subscriptions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"castsink/internal/domain"
	"castsink/internal/events"
	"castsink/internal/feeds"
	"castsink/internal/itunes"
	"castsink/internal/opml"
	"castsink/internal/reconcile"
	"castsink/internal/repository"
)

var (
	ErrMissingFeedURL          = errors.New("podcast feed URL missing")
	ErrAlreadySubscribed       = errors.New("already subscribed")
	ErrNoSubscriptionsToExport = errors.New("no subscriptions to export")
	ErrNoSubscriptionsInOPML   = errors.New("no subscriptions found in OPML file")
)

// ImportResult reports the outcome of an OPML import.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// RefreshResult reports what one feed refresh changed.
type RefreshResult struct {
	Podcast domain.Podcast
	New     []domain.Episode
	Updated int
}

// PodcastID derives the stable identifier for a feed URL.
func PodcastID(feedURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(feedURL)))
	return hex.EncodeToString(sum[:])[:16]
}

// Service owns the subscription lifecycle: adding and removing podcasts,
// refreshing their feeds, and OPML exchange.
type Service struct {
	store   *repository.Store
	fetcher *feeds.Fetcher
	itunes  *itunes.Client
	bus     *events.Bus
}

func NewService(store *repository.Store, fetcher *feeds.Fetcher, itunesClient *itunes.Client, bus *events.Bus) *Service {
	return &Service{store: store, fetcher: fetcher, itunes: itunesClient, bus: bus}
}

// Search finds podcasts by name via the iTunes directory.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]itunes.Result, error) {
	return s.itunes.Search(ctx, term, limit)
}

// Subscribe adds a podcast by feed URL, fetching the feed and storing its
// episodes. The subscription is flagged for upload on the next sync run.
func (s *Service) Subscribe(ctx context.Context, feedURL string) (RefreshResult, error) {
	return s.subscribe(ctx, feedURL, true)
}

// SubscribeURL adds a podcast the sync server reported. It is not flagged
// dirty; echoing it back would loop the change between devices.
func (s *Service) SubscribeURL(ctx context.Context, feedURL string) error {
	_, err := s.subscribe(ctx, feedURL, false)
	if errors.Is(err, ErrAlreadySubscribed) {
		return nil
	}
	return err
}

func (s *Service) subscribe(ctx context.Context, feedURL string, markDirty bool) (RefreshResult, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return RefreshResult{}, ErrMissingFeedURL
	}

	if existing, err := s.store.GetPodcastByFeedURL(ctx, feedURL); err == nil && !existing.Deleted {
		return RefreshResult{Podcast: existing}, ErrAlreadySubscribed
	} else if err != nil && !errors.Is(err, repository.ErrPodcastNotFound) {
		return RefreshResult{}, err
	}

	feed, err := s.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return RefreshResult{}, err
	}

	podcast := domain.Podcast{
		ID:          PodcastID(feedURL),
		Title:       fallbackTitle(feed.Title, feedURL),
		Description: feed.Description,
		Author:      feed.Author,
		FeedURL:     feedURL,
		Explicit:    feed.Explicit,
		LastChecked: time.Now().UTC(),
		SyncDirty:   markDirty,
	}
	if err := s.store.SavePodcast(ctx, podcast); err != nil {
		return RefreshResult{}, err
	}

	// Resubscribing to a tombstoned feed revives old episode rows; the
	// reconciler treats them as known.
	existing, err := s.store.ListEpisodes(ctx, podcast.ID)
	if err != nil {
		return RefreshResult{}, err
	}
	merged := reconcile.Reconcile(podcast, existing, feed.Episodes)
	if _, err := s.store.InsertEpisodes(ctx, merged.New); err != nil {
		return RefreshResult{}, err
	}
	if err := s.store.UpdateEpisodeMeta(ctx, merged.Updated); err != nil {
		return RefreshResult{}, err
	}

	s.bus.Publish(events.Event{Kind: events.PodcastChanged, PodcastID: podcast.ID})
	return RefreshResult{Podcast: podcast, New: merged.New, Updated: len(merged.Updated)}, nil
}

// Unsubscribe tombstones a podcast. Episodes and history stay in the catalog
// so a resubscribe restores them; the removal is flagged for the next sync
// run.
func (s *Service) Unsubscribe(ctx context.Context, podcastID string) (bool, error) {
	removed, err := s.store.TombstonePodcast(ctx, podcastID, true)
	if err != nil {
		return false, err
	}
	if removed {
		s.bus.Publish(events.Event{Kind: events.PodcastChanged, PodcastID: podcastID})
	}
	return removed, nil
}

// UnsubscribeURL removes a podcast the sync server reported, without
// flagging the removal for upload.
func (s *Service) UnsubscribeURL(ctx context.Context, feedURL string) error {
	podcast, err := s.store.GetPodcastByFeedURL(ctx, feedURL)
	if err != nil {
		return err
	}
	if _, err := s.store.TombstonePodcast(ctx, podcast.ID, false); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.PodcastChanged, PodcastID: podcast.ID})
	return nil
}

// Refresh fetches one podcast's feed and merges the result into the catalog.
// Genuinely new arrivals are recorded as "new" actions so other devices
// learn about them.
func (s *Service) Refresh(ctx context.Context, podcastID string) (RefreshResult, error) {
	podcast, err := s.store.GetPodcast(ctx, podcastID)
	if err != nil {
		return RefreshResult{}, err
	}

	feed, err := s.fetcher.Fetch(ctx, podcast.FeedURL)
	if err != nil {
		return RefreshResult{}, err
	}

	podcast.Title = fallbackTitle(feed.Title, podcast.Title)
	podcast.Description = feed.Description
	podcast.Author = feed.Author
	podcast.Explicit = feed.Explicit
	podcast.LastChecked = time.Now().UTC()
	if err := s.store.UpdatePodcastMeta(ctx, podcast); err != nil {
		return RefreshResult{}, err
	}

	existing, err := s.store.ListEpisodes(ctx, podcastID)
	if err != nil {
		return RefreshResult{}, err
	}
	merged := reconcile.Reconcile(podcast, existing, feed.Episodes)
	if _, err := s.store.InsertEpisodes(ctx, merged.New); err != nil {
		return RefreshResult{}, err
	}
	if err := s.store.UpdateEpisodeMeta(ctx, merged.Updated); err != nil {
		return RefreshResult{}, err
	}

	now := time.Now().Unix()
	for _, episode := range merged.New {
		if _, err := s.store.AppendAction(ctx, domain.Action{
			EpisodeID:  episode.ID,
			PodcastURL: podcast.FeedURL,
			EpisodeURL: episode.EnclosureURL,
			Kind:       domain.ActionNew,
			Timestamp:  now,
			Source:     domain.SourceLocal,
		}); err != nil {
			return RefreshResult{}, err
		}
	}

	if len(merged.New) > 0 || len(merged.Updated) > 0 {
		s.bus.Publish(events.Event{Kind: events.PodcastChanged, PodcastID: podcastID})
	}
	return RefreshResult{Podcast: podcast, New: merged.New, Updated: len(merged.Updated)}, nil
}

// RefreshAll refreshes every active subscription, continuing past individual
// feed failures.
func (s *Service) RefreshAll(ctx context.Context) ([]RefreshResult, error) {
	podcasts, err := s.store.ListPodcasts(ctx, false)
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, 0, len(podcasts))
	var errs []error
	for _, podcast := range podcasts {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, err := s.Refresh(ctx, podcast.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", podcast.Title, err))
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// ExportOPML writes all active subscriptions to an OPML file.
func (s *Service) ExportOPML(ctx context.Context, filePath string) (int, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return 0, errors.New("file path cannot be empty")
	}

	exports, err := s.store.ListPodcastExports(ctx)
	if err != nil {
		return 0, err
	}
	if len(exports) == 0 {
		return 0, ErrNoSubscriptionsToExport
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	subs := make([]opml.Subscription, len(exports))
	for i, export := range exports {
		subs[i] = opml.Subscription{Title: export.Title, FeedURL: export.FeedURL}
	}

	if err := opml.Export(file, subs); err != nil {
		return 0, err
	}

	return len(subs), nil
}

// ImportOPML subscribes to every feed in an OPML file, skipping those
// already present.
func (s *Service) ImportOPML(ctx context.Context, filePath string) (ImportResult, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return ImportResult{}, errors.New("file path cannot be empty")
	}

	file, err := os.Open(filePath)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	subs, err := opml.Import(file)
	if err != nil {
		return ImportResult{}, err
	}
	if len(subs) == 0 {
		return ImportResult{}, ErrNoSubscriptionsInOPML
	}

	var result ImportResult
	for _, sub := range subs {
		if _, err := s.Subscribe(ctx, sub.FeedURL); err != nil {
			if errors.Is(err, ErrAlreadySubscribed) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", fallbackTitle(sub.Title, sub.FeedURL), err))
			continue
		}
		result.Imported++
	}

	return result, nil
}

func fallbackTitle(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return "Untitled Podcast"
}
