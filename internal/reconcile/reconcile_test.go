package reconcile

import (
	"testing"
	"time"

	"castsink/internal/domain"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestReconcileNewEpisodes(t *testing.T) {
	podcast := domain.Podcast{ID: "pod1"}
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	inputs := []domain.EpisodeInput{
		{GUID: "ep-1", Title: "One", EnclosureURL: "https://x/1.mp3", PublishedAt: timePtr(published)},
		{Title: "Two", EnclosureURL: "https://x/2.mp3"},
	}

	result := Reconcile(podcast, nil, inputs)
	if len(result.New) != 2 || len(result.Updated) != 0 {
		t.Fatalf("new = %d, updated = %d", len(result.New), len(result.Updated))
	}
	if result.New[0].ID != domain.EpisodeID("pod1", "ep-1") {
		t.Errorf("id = %q", result.New[0].ID)
	}
	if !result.New[0].HasPublish || !result.New[0].PublishedAt.Equal(published) {
		t.Errorf("publish time not carried: %+v", result.New[0])
	}
	if result.New[1].ID != domain.EpisodeID("pod1", "https://x/2.mp3") {
		t.Errorf("guidless id = %q", result.New[1].ID)
	}
	if result.New[0].DownloadState != domain.DownloadStateNone {
		t.Errorf("state = %q", result.New[0].DownloadState)
	}
}

func TestReconcileMatchesByIdentity(t *testing.T) {
	podcast := domain.Podcast{ID: "pod1"}
	existing := []domain.Episode{{
		ID:           domain.EpisodeID("pod1", "ep-1"),
		PodcastID:    "pod1",
		Title:        "Old Title",
		GUID:         "ep-1",
		EnclosureURL: "https://x/1.mp3",
	}}

	inputs := []domain.EpisodeInput{
		{GUID: "ep-1", Title: "New Title", EnclosureURL: "https://x/1.mp3"},
	}

	result := Reconcile(podcast, existing, inputs)
	if len(result.New) != 0 {
		t.Fatalf("unexpected new episodes: %+v", result.New)
	}
	if len(result.Updated) != 1 || result.Updated[0].Title != "New Title" {
		t.Fatalf("updated = %+v", result.Updated)
	}
}

func TestReconcileUnchangedIsNoop(t *testing.T) {
	podcast := domain.Podcast{ID: "pod1"}
	existing := []domain.Episode{{
		ID:           domain.EpisodeID("pod1", "ep-1"),
		PodcastID:    "pod1",
		Title:        "Same",
		GUID:         "ep-1",
		EnclosureURL: "https://x/1.mp3",
	}}

	inputs := []domain.EpisodeInput{
		{GUID: "ep-1", Title: "Same", EnclosureURL: "https://x/1.mp3"},
	}

	result := Reconcile(podcast, existing, inputs)
	if len(result.New) != 0 || len(result.Updated) != 0 {
		t.Fatalf("expected no changes, got new=%d updated=%d", len(result.New), len(result.Updated))
	}
}

func TestReconcileFuzzyMatchOnRewrittenGUID(t *testing.T) {
	podcast := domain.Podcast{ID: "pod1"}
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := []domain.Episode{{
		ID:           domain.EpisodeID("pod1", "old-guid"),
		PodcastID:    "pod1",
		Title:        "Stable Title",
		GUID:         "old-guid",
		EnclosureURL: "https://x/1.mp3",
		PublishedAt:  published,
		HasPublish:   true,
	}}

	// Same title and enclosure, new guid: two of three agree.
	inputs := []domain.EpisodeInput{
		{GUID: "new-guid", Title: "Stable Title", EnclosureURL: "https://x/1.mp3"},
	}

	result := Reconcile(podcast, existing, inputs)
	if len(result.New) != 0 {
		t.Fatalf("rewritten guid produced a duplicate: %+v", result.New)
	}
	if len(result.Updated) != 1 {
		t.Fatalf("updated = %+v", result.Updated)
	}
	if result.Updated[0].ID != existing[0].ID {
		t.Errorf("update targets %q, want %q", result.Updated[0].ID, existing[0].ID)
	}
}

func TestReconcileSingleFieldMatchIsNew(t *testing.T) {
	podcast := domain.Podcast{ID: "pod1"}
	existing := []domain.Episode{{
		ID:           domain.EpisodeID("pod1", "old-guid"),
		PodcastID:    "pod1",
		Title:        "Stable Title",
		GUID:         "old-guid",
		EnclosureURL: "https://x/1.mp3",
	}}

	// Only the title agrees; this must count as a distinct episode.
	inputs := []domain.EpisodeInput{
		{GUID: "other", Title: "Stable Title", EnclosureURL: "https://x/99.mp3"},
	}

	result := Reconcile(podcast, existing, inputs)
	if len(result.New) != 1 || len(result.Updated) != 0 {
		t.Fatalf("new=%d updated=%d", len(result.New), len(result.Updated))
	}
}

func TestReconcilePreservesLocalState(t *testing.T) {
	podcast := domain.Podcast{ID: "pod1"}
	existing := []domain.Episode{{
		ID:            domain.EpisodeID("pod1", "ep-1"),
		PodcastID:     "pod1",
		Title:         "Old",
		GUID:          "ep-1",
		EnclosureURL:  "https://x/1.mp3",
		Position:      120,
		Total:         300,
		DownloadState: domain.DownloadStateDownloaded,
		FilePath:      "/data/ep1.mp3",
	}}

	inputs := []domain.EpisodeInput{
		{GUID: "ep-1", Title: "New", EnclosureURL: "https://x/1.mp3"},
	}

	result := Reconcile(podcast, existing, inputs)
	if len(result.Updated) != 1 {
		t.Fatalf("updated = %+v", result.Updated)
	}
	got := result.Updated[0]
	if got.Position != 120 || got.Total != 300 {
		t.Errorf("play state clobbered: %+v", got)
	}
	if got.DownloadState != domain.DownloadStateDownloaded || got.FilePath != "/data/ep1.mp3" {
		t.Errorf("download state clobbered: %+v", got)
	}
}

func TestPolicy(t *testing.T) {
	if !PolicyAlways.Download() {
		t.Error("always should download")
	}
	if PolicyNever.Download() {
		t.Error("never should not download")
	}
	if ask, sel := PolicyAskSelected.Prompt(); !ask || !sel {
		t.Error("ask-selected should prompt preselected")
	}
	if ask, sel := PolicyAskUnselected.Prompt(); !ask || sel {
		t.Error("ask-unselected should prompt unselected")
	}
	if ask, _ := PolicyAlways.Prompt(); ask {
		t.Error("always should not prompt")
	}
	if !Policy("ask-selected").Valid() || Policy("sometimes").Valid() {
		t.Error("validity check")
	}
}
