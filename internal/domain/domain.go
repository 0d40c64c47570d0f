package domain

import "time"

// Download states for an episode. Transitions are owned by the download
// manager; at most one worker may hold DOWNLOADING for a given episode.
const (
	DownloadStateNone        = "NOT_DOWNLOADED"
	DownloadStateDownloading = "DOWNLOADING"
	DownloadStateDownloaded  = "DOWNLOADED"
	DownloadStateFailed      = "FAILED"
)

// Action kinds exchanged with the sync server.
const (
	ActionPlay     = "play"
	ActionDownload = "download"
	ActionDelete   = "delete"
	ActionNew      = "new"
)

// Action sources. On equal timestamps a local action wins the merge.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

type Podcast struct {
	ID          string
	Title       string
	Description string
	Author      string
	FeedURL     string
	Explicit    bool
	LastChecked time.Time
	Deleted     bool
	SyncDirty   bool
}

type Episode struct {
	ID            string
	PodcastID     string
	Title         string
	Description   string
	GUID          string
	EnclosureURL  string
	PublishedAt   time.Time
	HasPublish    bool
	Duration      int64
	Position      int64
	Total         int64
	Played        bool
	PlayStamp     int64
	DownloadState string
	FilePath      string
	RetryCount    int
}

// EpisodeInput is a parsed feed episode before it has an identity in the
// catalog.
type EpisodeInput struct {
	GUID         string
	Title        string
	Description  string
	EnclosureURL string
	PublishedAt  *time.Time
	Duration     int64
}

// Identity returns the feed-level identity for an episode: the guid when
// present, otherwise the enclosure URL.
func (e EpisodeInput) Identity() string {
	if e.GUID != "" {
		return e.GUID
	}
	return e.EnclosureURL
}

// EpisodeID builds the catalog primary key for an episode of a podcast.
func EpisodeID(podcastID, identity string) string {
	return podcastID + "|" + identity
}

// Action is one append-only entry of the action log. Seq is assigned by the
// store on insert and orders the log.
type Action struct {
	Seq        int64
	EpisodeID  string
	PodcastURL string
	EpisodeURL string
	Kind       string
	Position   int64
	Total      int64
	Timestamp  int64
	Source     string
}

// QueueEntry pairs an episode with its persisted play-queue position.
type QueueEntry struct {
	Position  int
	EpisodeID string
}

// SyncCursor is the per-server resume bookkeeping. A sync run advances it
// only after every phase has succeeded.
type SyncCursor struct {
	PushedSeq    int64
	ActionsSince int64
	SubsSince    int64
}

type PodcastExport struct {
	Title   string
	FeedURL string
}

// ReconcileResult classifies one feed refresh against the catalog.
type ReconcileResult struct {
	New     []Episode
	Updated []Episode
}
