package actions

import (
	"context"
	"errors"
	"time"

	"castsink/internal/domain"
	"castsink/internal/events"
	"castsink/internal/repository"
)

// Service records playback actions. Every user-visible state change goes
// through the append-only log first and is then folded into the catalog, so
// the catalog can always be rebuilt by replay.
type Service struct {
	store *repository.Store
	bus   *events.Bus
	now   func() time.Time
}

func NewService(store *repository.Store, bus *events.Bus) *Service {
	return &Service{store: store, bus: bus, now: time.Now}
}

// SetPosition records playback progress. A position at or past the total
// marks the episode played and removes it from the play queue.
func (s *Service) SetPosition(ctx context.Context, episodeID string, position, total int64) error {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	if total <= 0 {
		total = episode.Total
	}
	if total <= 0 {
		total = episode.Duration
	}
	return s.record(ctx, episode, position, total)
}

// MarkPlayed records a completed playback.
func (s *Service) MarkPlayed(ctx context.Context, episodeID string) error {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	total := episode.Total
	if total <= 0 {
		total = episode.Duration
	}
	if total <= 0 {
		// No known length; a 1/1 action still encodes "finished".
		total = 1
	}
	return s.record(ctx, episode, total, total)
}

// MarkUnplayed rewinds an episode to the start.
func (s *Service) MarkUnplayed(ctx context.Context, episodeID string) error {
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	return s.record(ctx, episode, 0, episode.Total)
}

func (s *Service) record(ctx context.Context, episode domain.Episode, position, total int64) error {
	podcast, err := s.store.GetPodcast(ctx, episode.PodcastID)
	if err != nil {
		return err
	}

	action := domain.Action{
		EpisodeID:  episode.ID,
		PodcastURL: podcast.FeedURL,
		EpisodeURL: episode.EnclosureURL,
		Kind:       domain.ActionPlay,
		Position:   position,
		Total:      total,
		Timestamp:  s.now().Unix(),
		Source:     domain.SourceLocal,
	}
	if _, err := s.store.AppendAction(ctx, action); err != nil {
		return err
	}
	changed, err := s.store.ApplyAction(ctx, action)
	if err != nil {
		return err
	}
	if changed {
		s.bus.Publish(events.Event{Kind: events.EpisodeChanged, PodcastID: episode.PodcastID, EpisodeID: episode.ID})
	}
	return nil
}

// History returns the full action log in recording order.
func (s *Service) History(ctx context.Context) ([]domain.Action, error) {
	return s.store.ListActions(ctx)
}

// Replay folds the whole log into the catalog again. Applications are
// idempotent, so replay is safe at any time; it also resolves remote entries
// that referenced episodes unknown when they were pulled.
func (s *Service) Replay(ctx context.Context) error {
	log, err := s.store.ListActions(ctx)
	if err != nil {
		return err
	}
	for _, action := range log {
		if action.Kind != domain.ActionPlay {
			continue
		}
		if action.EpisodeID == "" {
			episode, err := s.store.FindEpisodeByURLs(ctx, action.PodcastURL, action.EpisodeURL)
			if err != nil {
				if errors.Is(err, repository.ErrEpisodeNotFound) {
					continue
				}
				return err
			}
			action.EpisodeID = episode.ID
		}
		if _, err := s.store.ApplyAction(ctx, action); err != nil {
			if errors.Is(err, repository.ErrEpisodeNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
