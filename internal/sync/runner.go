package sync

import (
	"context"
	"errors"
	"log"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"castsink/internal/events"
	"castsink/internal/repository"
)

// ErrSyncInProgress is returned when a run is requested while another is
// still active. Runs never queue; the caller simply tries again later.
var ErrSyncInProgress = errors.New("synchronization already in progress")

// Phase names the step of a run, reported in results and failures.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhasePushingActions       Phase = "pushing-actions"
	PhasePullingSubscriptions Phase = "pulling-subscriptions"
	PhasePullingActions       Phase = "pulling-actions"
	PhaseMerging              Phase = "merging"
)

// SubscriptionHandler applies subscription changes the server reports.
// Implementations must not mark the resulting podcasts dirty, or the next
// run would echo the change back to the server.
type SubscriptionHandler interface {
	SubscribeURL(ctx context.Context, feedURL string) error
	UnsubscribeURL(ctx context.Context, feedURL string) error
}

// RunResult summarizes one completed or failed run.
type RunResult struct {
	Phase           Phase
	PushedActions   int
	PulledActions   int
	AppliedActions  int
	AddedPodcasts   int
	RemovedPodcasts int
	Retryable       bool
	Err             error
	FinishedAt      time.Time
}

// Runner executes full synchronization runs against a gpodder server. A run
// walks a fixed sequence: push local actions, exchange subscriptions, pull
// remote actions, merge. The persisted cursor only advances when the whole
// run succeeds, so a failed run is repeated from the same position.
type Runner struct {
	client     *Client
	store      *repository.Store
	subs       SubscriptionHandler
	bus        *events.Bus
	deviceName string

	mu      gosync.Mutex
	running bool
	last    *RunResult
}

func NewRunner(client *Client, store *repository.Store, subs SubscriptionHandler, bus *events.Bus, deviceName string) *Runner {
	return &Runner{
		client:     client,
		store:      store,
		subs:       subs,
		bus:        bus,
		deviceName: deviceName,
	}
}

// LastResult returns the most recent run outcome, or nil before the first
// run finishes.
func (r *Runner) LastResult() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	result := *r.last
	return &result
}

// Run performs one full synchronization. Only one run may be active at a
// time; a concurrent call fails fast with ErrSyncInProgress.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return RunResult{Phase: PhaseIdle, Err: ErrSyncInProgress}, ErrSyncInProgress
	}
	r.running = true
	r.mu.Unlock()

	result, err := r.run(ctx)
	result.FinishedAt = time.Now()
	result.Err = err
	result.Retryable = IsRetryable(err)

	r.mu.Lock()
	r.running = false
	r.last = &result
	r.mu.Unlock()

	if err == nil {
		r.bus.Publish(events.Event{Kind: events.SyncCompleted})
	}
	return result, err
}

func (r *Runner) run(ctx context.Context) (RunResult, error) {
	result := RunResult{Phase: PhasePushingActions}

	deviceID, err := r.ensureDevice(ctx)
	if err != nil {
		return result, err
	}
	cursor, err := r.store.GetCursor(ctx)
	if err != nil {
		return result, err
	}
	next := cursor

	// Push local actions recorded since the last successful run.
	pending, err := r.store.ActionsSince(ctx, cursor.PushedSeq)
	if err != nil {
		return result, err
	}
	if len(pending) > 0 {
		wire := make([]EpisodeAction, 0, len(pending))
		for _, a := range pending {
			wire = append(wire, toWire(a, deviceID))
		}
		if _, err := r.client.UploadActions(ctx, wire); err != nil {
			return result, err
		}
		next.PushedSeq = pending[len(pending)-1].Seq
		result.PushedActions = len(pending)
	}

	// Exchange subscriptions: push dirty local changes, then pull the
	// server's view.
	result.Phase = PhasePullingSubscriptions
	added, removed, err := r.store.DirtySubscriptions(ctx)
	if err != nil {
		return result, err
	}
	var pushStamp int64
	if len(added) > 0 || len(removed) > 0 {
		pushStamp, err = r.client.UploadSubscriptionChanges(ctx, deviceID, added, removed)
		if err != nil {
			return result, err
		}
		if err := r.store.ClearSyncDirty(ctx); err != nil {
			return result, err
		}
	}

	remoteAdd, remoteRemove, subsStamp, err := r.client.DownloadSubscriptionChanges(ctx, deviceID, cursor.SubsSince)
	if err != nil {
		return result, err
	}
	for _, feedURL := range remoteAdd {
		if _, err := r.store.GetPodcastByFeedURL(ctx, feedURL); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrPodcastNotFound) {
			return result, err
		}
		if err := r.subs.SubscribeURL(ctx, feedURL); err != nil {
			log.Printf("sync: subscribe %s: %v", feedURL, err)
			continue
		}
		result.AddedPodcasts++
	}
	for _, feedURL := range remoteRemove {
		if err := r.subs.UnsubscribeURL(ctx, feedURL); err != nil {
			if errors.Is(err, repository.ErrPodcastNotFound) {
				continue
			}
			return result, err
		}
		result.RemovedPodcasts++
	}
	switch {
	case subsStamp > 0:
		next.SubsSince = subsStamp
	case pushStamp > 0:
		next.SubsSince = pushStamp
	default:
		next.SubsSince = time.Now().Unix()
	}

	// Pull remote episode actions.
	result.Phase = PhasePullingActions
	remote, actionsStamp, err := r.client.DownloadActions(ctx, cursor.ActionsSince)
	if err != nil {
		return result, err
	}
	if actionsStamp > 0 {
		next.ActionsSince = actionsStamp
	} else {
		next.ActionsSince = time.Now().Unix()
	}

	// Merge: record each foreign action in the log, then fold it into the
	// catalog. Our own actions come back in the pull window and are skipped.
	result.Phase = PhaseMerging
	for _, wire := range remote {
		if wire.Device == deviceID {
			continue
		}
		result.PulledActions++

		action := wire.toDomain()
		episode, err := r.store.FindEpisodeByURLs(ctx, action.PodcastURL, action.EpisodeURL)
		switch {
		case err == nil:
			action.EpisodeID = episode.ID
		case errors.Is(err, repository.ErrEpisodeNotFound):
			// Keep the entry in the log; a later fetch may make it
			// resolvable on replay.
		default:
			return result, err
		}

		if _, err := r.store.AppendAction(ctx, action); err != nil {
			return result, err
		}
		if action.EpisodeID == "" {
			continue
		}
		changed, err := r.store.ApplyAction(ctx, action)
		if err != nil {
			return result, err
		}
		if changed {
			result.AppliedActions++
			r.bus.Publish(events.Event{Kind: events.EpisodeChanged, EpisodeID: action.EpisodeID})
		}
	}

	if err := r.store.SetCursor(ctx, next); err != nil {
		return result, err
	}
	result.Phase = PhaseIdle
	return result, nil
}

// ensureDevice returns the persisted device id, registering one with the
// server on first use.
func (r *Runner) ensureDevice(ctx context.Context) (string, error) {
	deviceID, err := r.store.DeviceID(ctx)
	if err != nil {
		return "", err
	}
	if deviceID != "" {
		return deviceID, nil
	}

	deviceID = strings.TrimSpace(r.deviceName)
	if deviceID == "" {
		deviceID = "castsink-" + uuid.NewString()[:8]
	}
	if err := r.client.Login(ctx); err != nil {
		return "", err
	}
	devices, err := r.client.Devices(ctx)
	if err != nil {
		return "", err
	}
	registered := false
	for _, device := range devices {
		if device.ID == deviceID {
			registered = true
			break
		}
	}
	if !registered {
		if err := r.client.RegisterDevice(ctx, deviceID, "castsink"); err != nil {
			return "", err
		}
	}
	if err := r.store.SetDeviceID(ctx, deviceID); err != nil {
		return "", err
	}
	return deviceID, nil
}
