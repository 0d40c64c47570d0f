package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"castsink/internal/actions"
	"castsink/internal/config"
	"castsink/internal/domain"
	"castsink/internal/downloads"
	"castsink/internal/events"
	"castsink/internal/feeds"
	"castsink/internal/itunes"
	"castsink/internal/queue"
	"castsink/internal/repository"
	"castsink/internal/storage"
	"castsink/internal/subscriptions"
	gpodder "castsink/internal/sync"
)

// ErrSyncDisabled is returned by server synchronization when no sync server
// is configured.
var ErrSyncDisabled = errors.New("synchronization is not configured")

// Dependencies carries the collaborating services. Tests inject fakes or
// partially wired sets; production wiring comes from Build.
type Dependencies struct {
	Store         *repository.Store
	Subscriptions *subscriptions.Service
	Downloads     *downloads.Service
	Manager       *downloads.Manager
	Actions       *actions.Service
	Queue         *queue.Service
	Runner        *gpodder.Runner
	Bus           *events.Bus
}

// Engine is the façade the command layer talks to. It owns no state of its
// own; every operation delegates to a service and the database.
type Engine struct {
	cfg  config.Config
	deps Dependencies
}

func New(cfg config.Config, deps Dependencies) *Engine {
	return &Engine{cfg: cfg, deps: deps}
}

// Build wires the full production engine: database, feed fetcher, download
// workers, and the sync runner when one is configured. The returned stop
// function drains the workers.
func Build(cfg config.Config, dataDir string) (*Engine, func(), error) {
	db, err := storage.Open(filepath.Join(dataDir, "castsink.db"))
	if err != nil {
		return nil, nil, err
	}

	// Feed, directory, and sync calls get a bounded client so a stalled
	// server cannot hang a run; media streaming uses an untimed one, since a
	// large enclosure legitimately takes longer than any fixed timeout.
	apiClient, err := cfg.HTTPClient(15 * time.Second)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	mediaClient, err := cfg.HTTPClient(0)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	store := repository.New(db)
	bus := events.NewBus()
	fetcher := feeds.NewFetcher(apiClient, cfg.UserAgent, cfg.MaxRetries+1, nil)
	subs := subscriptions.NewService(store, fetcher, itunes.NewClient(apiClient, ""), bus)
	downloadService := downloads.NewService(cfg, store, mediaClient, bus, nil)
	manager := downloads.NewManager(downloadService, store, cfg.SimultaneousDownloads)

	deps := Dependencies{
		Store:         store,
		Subscriptions: subs,
		Downloads:     downloadService,
		Manager:       manager,
		Actions:       actions.NewService(store, bus),
		Queue:         queue.NewService(store, bus),
		Bus:           bus,
	}

	if cfg.EnableSync && cfg.SyncServer != "" {
		client := gpodder.NewClient(cfg.SyncServer, cfg.SyncUsername, cfg.SyncPassword, cfg.UserAgent, apiClient)
		deps.Runner = gpodder.NewRunner(client, store, subs, bus, cfg.SyncDevice)
	}

	stop := func() {
		manager.Stop()
		db.Close()
	}
	return New(cfg, deps), stop, nil
}

// Startup repairs state left behind by a previous run and kicks the workers.
// With sync_on_start set, a server run happens in the background.
func (e *Engine) Startup(ctx context.Context) error {
	if err := e.deps.Store.CorrectDownloadStates(ctx); err != nil {
		return err
	}
	if err := e.deps.Actions.Replay(ctx); err != nil {
		return err
	}
	e.deps.Manager.Notify()

	if e.cfg.SyncOnStart && e.deps.Runner != nil {
		go func() {
			syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := e.deps.Runner.Run(syncCtx); err != nil {
				log.Printf("startup sync failed: %v", err)
			}
		}()
	}
	return nil
}

// Events exposes the change notification stream.
func (e *Engine) Events() (<-chan events.Event, func()) {
	return e.deps.Bus.Subscribe()
}

// --- subscriptions ---

func (e *Engine) Subscribe(ctx context.Context, feedURL string) (subscriptions.RefreshResult, error) {
	result, err := e.deps.Subscriptions.Subscribe(ctx, feedURL)
	if err != nil {
		return result, err
	}
	return result, e.applyPolicy(ctx, result.New)
}

func (e *Engine) Unsubscribe(ctx context.Context, podcastID string) (bool, error) {
	return e.deps.Subscriptions.Unsubscribe(ctx, podcastID)
}

func (e *Engine) SearchPodcasts(ctx context.Context, term string, limit int) ([]itunes.Result, error) {
	return e.deps.Subscriptions.Search(ctx, term, limit)
}

// SyncOne refreshes one podcast's feed and applies the new-episode policy.
func (e *Engine) SyncOne(ctx context.Context, podcastID string) (subscriptions.RefreshResult, error) {
	result, err := e.deps.Subscriptions.Refresh(ctx, podcastID)
	if err != nil {
		return result, err
	}
	return result, e.applyPolicy(ctx, result.New)
}

// SyncAll refreshes every subscription, continuing past individual failures.
func (e *Engine) SyncAll(ctx context.Context) ([]subscriptions.RefreshResult, error) {
	results, err := e.deps.Subscriptions.RefreshAll(ctx)
	for _, result := range results {
		if policyErr := e.applyPolicy(ctx, result.New); policyErr != nil && err == nil {
			err = policyErr
		}
	}
	return results, err
}

func (e *Engine) ImportOPML(ctx context.Context, path string) (subscriptions.ImportResult, error) {
	return e.deps.Subscriptions.ImportOPML(ctx, path)
}

func (e *Engine) ExportOPML(ctx context.Context, path string) (int, error) {
	return e.deps.Subscriptions.ExportOPML(ctx, path)
}

// applyPolicy handles newly discovered episodes per configuration. The ask
// variants are resolved by the caller's interface; here they behave like
// never.
func (e *Engine) applyPolicy(ctx context.Context, newEpisodes []domain.Episode) error {
	if !e.cfg.Policy().Download() {
		return nil
	}
	var errs []error
	for _, episode := range newEpisodes {
		if err := e.Download(ctx, episode.ID); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", episode.ID, err))
		}
	}
	return errors.Join(errs...)
}

// --- server synchronization ---

// SyncServer runs one full synchronization against the configured gpodder
// server.
func (e *Engine) SyncServer(ctx context.Context) (gpodder.RunResult, error) {
	if e.deps.Runner == nil {
		return gpodder.RunResult{}, ErrSyncDisabled
	}
	return e.deps.Runner.Run(ctx)
}

// LastSyncResult reports the most recent sync outcome, or nil.
func (e *Engine) LastSyncResult() *gpodder.RunResult {
	if e.deps.Runner == nil {
		return nil
	}
	return e.deps.Runner.LastResult()
}

// --- downloads ---

// Download queues an episode for download and wakes a worker.
func (e *Engine) Download(ctx context.Context, episodeID string) error {
	accepted, err := e.deps.Store.EnqueueDownload(ctx, episodeID)
	if err != nil {
		return err
	}
	if accepted {
		e.deps.Manager.Notify()
	}
	return nil
}

// DownloadAll queues every episode of a podcast that holds no file yet.
func (e *Engine) DownloadAll(ctx context.Context, podcastID string) (int, error) {
	episodes, err := e.deps.Store.ListEpisodes(ctx, podcastID)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, episode := range episodes {
		if episode.DownloadState == domain.DownloadStateDownloaded ||
			episode.DownloadState == domain.DownloadStateDownloading {
			continue
		}
		accepted, err := e.deps.Store.EnqueueDownload(ctx, episode.ID)
		if err != nil {
			return queued, err
		}
		if accepted {
			queued++
		}
	}
	if queued > 0 {
		e.deps.Manager.Notify()
	}
	return queued, nil
}

// PendingDownloads reports how many downloads are queued or running.
func (e *Engine) PendingDownloads(ctx context.Context) (int, error) {
	return e.deps.Store.PendingDownloads(ctx)
}

// CancelDownload aborts an in-flight download.
func (e *Engine) CancelDownload(episodeID string) bool {
	return e.deps.Manager.Cancel(episodeID)
}

func (e *Engine) DeleteDownload(ctx context.Context, episodeID string) error {
	return e.deps.Downloads.DeleteDownload(ctx, episodeID)
}

func (e *Engine) DeleteAllDownloads(ctx context.Context) error {
	return e.deps.Downloads.DeleteAllDownloads(ctx)
}

// --- playback state ---

func (e *Engine) MarkPlayed(ctx context.Context, episodeID string) error {
	return e.deps.Actions.MarkPlayed(ctx, episodeID)
}

func (e *Engine) MarkUnplayed(ctx context.Context, episodeID string) error {
	return e.deps.Actions.MarkUnplayed(ctx, episodeID)
}

func (e *Engine) SetPosition(ctx context.Context, episodeID string, position, total int64) error {
	return e.deps.Actions.SetPosition(ctx, episodeID, position, total)
}

func (e *Engine) History(ctx context.Context) ([]domain.Action, error) {
	return e.deps.Actions.History(ctx)
}

// --- play queue ---

func (e *Engine) Enqueue(ctx context.Context, episodeID string) error {
	return e.deps.Queue.Push(ctx, episodeID)
}

func (e *Engine) RemoveFromQueue(ctx context.Context, episodeID string) error {
	return e.deps.Queue.Remove(ctx, episodeID)
}

func (e *Engine) ReorderQueue(ctx context.Context, from, to int) error {
	return e.deps.Queue.Reorder(ctx, from, to)
}

func (e *Engine) QueueSnapshot(ctx context.Context) ([]domain.Episode, error) {
	return e.deps.Queue.Episodes(ctx)
}

func (e *Engine) NextInQueue(ctx context.Context) (domain.Episode, bool, error) {
	return e.deps.Queue.Next(ctx)
}

// --- catalog queries ---

func (e *Engine) Podcasts(ctx context.Context) ([]domain.Podcast, error) {
	return e.deps.Store.ListPodcasts(ctx, false)
}

func (e *Engine) Episodes(ctx context.Context, podcastID string) ([]domain.Episode, error) {
	return e.deps.Store.ListEpisodes(ctx, podcastID)
}

func (e *Engine) Episode(ctx context.Context, episodeID string) (domain.Episode, error) {
	return e.deps.Store.GetEpisode(ctx, episodeID)
}
