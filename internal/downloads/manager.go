package downloads

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"castsink/internal/repository"
)

// Manager drives a fixed pool of download workers. Work lives in the
// database; workers claim episodes one at a time, so restarting the process
// resumes whatever was pending.
type Manager struct {
	service *Service
	store   *repository.Store
	wakeCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewManager(service *Service, store *repository.Store, workers int) *Manager {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	manager := &Manager{
		service: service,
		store:   store,
		wakeCh:  make(chan struct{}, workers*2),
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}
	for i := 0; i < workers; i++ {
		manager.wg.Add(1)
		go manager.worker(ctx)
	}
	return manager
}

// Notify wakes an idle worker. Safe to call from anywhere; a full wake
// buffer means workers are already checking.
func (m *Manager) Notify() {
	if m == nil {
		return
	}
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Cancel aborts an in-flight download of the given episode. Returns false
// when no download of it is running.
func (m *Manager) Cancel(episodeID string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	cancel, ok := m.running[episodeID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.Notify()
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		episodeID, err := m.store.ClaimNextDownload(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrNoDownloadTask) {
				if err := m.waitForWork(ctx); err != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("download claim failed: %v", err)
			if err := waitWithContext(ctx, time.Second); err != nil {
				return
			}
			continue
		}

		m.run(ctx, episodeID)
	}
}

func (m *Manager) run(ctx context.Context, episodeID string) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running[episodeID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, episodeID)
		m.mu.Unlock()
	}()

	episode, err := m.store.GetEpisode(runCtx, episodeID)
	if err != nil {
		if !errors.Is(err, repository.ErrEpisodeNotFound) {
			log.Printf("download %s: load episode: %v", episodeID, err)
		}
		return
	}
	if strings.TrimSpace(episode.EnclosureURL) == "" {
		log.Printf("episode %s missing enclosure URL", episodeID)
		if err := m.store.FailDownload(context.Background(), episodeID); err != nil {
			log.Printf("mark %s failed: %v", episodeID, err)
		}
		return
	}
	podcast, err := m.store.GetPodcast(runCtx, episode.PodcastID)
	if err != nil {
		log.Printf("download %s: load podcast: %v", episodeID, err)
		return
	}

	if _, err := m.service.DownloadEpisode(runCtx, podcast, episode); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// User cancellation, not shutdown. Put the episode back to a
			// clean slate so it can be re-enqueued.
			if err := m.store.ResetDownload(context.Background(), episodeID); err != nil {
				log.Printf("reset %s after cancel: %v", episodeID, err)
			}
			return
		}
		log.Printf("download %s failed: %v", episodeID, err)
	}
}

func (m *Manager) waitForWork(ctx context.Context) error {
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.wakeCh:
		return nil
	case <-timer.C:
		return nil
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
