package queue

import (
	"context"
	"errors"

	"castsink/internal/domain"
	"castsink/internal/events"
	"castsink/internal/repository"
)

// Service manages the persistent play queue. Order lives in the database;
// the service adds change notifications and episode resolution on top.
type Service struct {
	store *repository.Store
	bus   *events.Bus
}

func NewService(store *repository.Store, bus *events.Bus) *Service {
	return &Service{store: store, bus: bus}
}

// Push appends an episode to the queue. Pushing an already queued episode is
// a no-op and keeps its position; an episode already played is refused.
func (s *Service) Push(ctx context.Context, episodeID string) error {
	pushed, err := s.store.QueuePush(ctx, episodeID)
	if err != nil {
		return err
	}
	if pushed {
		s.bus.Publish(events.Event{Kind: events.EpisodeChanged, EpisodeID: episodeID})
	}
	return nil
}

// Remove drops an episode from the queue if present.
func (s *Service) Remove(ctx context.Context, episodeID string) error {
	removed, err := s.store.QueueRemove(ctx, episodeID)
	if err != nil {
		return err
	}
	if removed {
		s.bus.Publish(events.Event{Kind: events.EpisodeChanged, EpisodeID: episodeID})
	}
	return nil
}

// Reorder moves the entry at index from to index to in play order.
func (s *Service) Reorder(ctx context.Context, from, to int) error {
	if err := s.store.QueueReorder(ctx, from, to); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.EpisodeChanged})
	return nil
}

// Next returns the episode at the head of the queue, or false on an empty
// queue. The head is not removed; it leaves the queue when marked played.
func (s *Service) Next(ctx context.Context) (domain.Episode, bool, error) {
	episodeID, err := s.store.QueueNext(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrEpisodeNotFound) {
			return domain.Episode{}, false, nil
		}
		return domain.Episode{}, false, err
	}
	episode, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.Episode{}, false, err
	}
	return episode, true, nil
}

// Episodes returns the queued episodes in play order.
func (s *Service) Episodes(ctx context.Context) ([]domain.Episode, error) {
	entries, err := s.store.QueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	episodes := make([]domain.Episode, 0, len(entries))
	for _, entry := range entries {
		episode, err := s.store.GetEpisode(ctx, entry.EpisodeID)
		if err != nil {
			if errors.Is(err, repository.ErrEpisodeNotFound) {
				continue
			}
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	return episodes, nil
}
