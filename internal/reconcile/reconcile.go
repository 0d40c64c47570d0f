package reconcile

import (
	"castsink/internal/domain"
)

// Reconcile merges a freshly fetched feed into the known episodes of one
// podcast. Episodes are matched by identity (guid, falling back to enclosure
// URL). An episode whose identity is unknown is matched against the catalog
// on title, enclosure URL and publish date; agreement on at least two of the
// three counts as the same episode with changed metadata.
//
// Episodes absent from the fetched document are never treated as deleted;
// feeds routinely window their items.
func Reconcile(podcast domain.Podcast, existing []domain.Episode, inputs []domain.EpisodeInput) domain.ReconcileResult {
	byID := make(map[string]domain.Episode, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}

	var result domain.ReconcileResult
	for _, input := range inputs {
		id := domain.EpisodeID(podcast.ID, input.Identity())

		known, ok := byID[id]
		if !ok {
			known, ok = fuzzyMatch(existing, input)
		}
		if !ok {
			result.New = append(result.New, fromInput(id, podcast.ID, input))
			continue
		}
		if updated, changed := applyInput(known, input); changed {
			result.Updated = append(result.Updated, updated)
		}
	}
	return result
}

// fuzzyMatch finds a known episode agreeing with the input on at least two of
// title, enclosure URL and publish date. It covers feeds that rewrite guids.
func fuzzyMatch(existing []domain.Episode, input domain.EpisodeInput) (domain.Episode, bool) {
	for _, e := range existing {
		score := 0
		if e.Title != "" && e.Title == input.Title {
			score++
		}
		if e.EnclosureURL != "" && e.EnclosureURL == input.EnclosureURL {
			score++
		}
		if e.HasPublish && input.PublishedAt != nil && e.PublishedAt.Equal(*input.PublishedAt) {
			score++
		}
		if score >= 2 {
			return e, true
		}
	}
	return domain.Episode{}, false
}

func fromInput(id, podcastID string, input domain.EpisodeInput) domain.Episode {
	e := domain.Episode{
		ID:            id,
		PodcastID:     podcastID,
		Title:         input.Title,
		Description:   input.Description,
		GUID:          input.GUID,
		EnclosureURL:  input.EnclosureURL,
		Duration:      input.Duration,
		DownloadState: domain.DownloadStateNone,
	}
	if input.PublishedAt != nil {
		e.PublishedAt = *input.PublishedAt
		e.HasPublish = true
	}
	return e
}

// applyInput folds feed metadata into a known episode. Play state and
// download state are local and never touched by a fetch.
func applyInput(known domain.Episode, input domain.EpisodeInput) (domain.Episode, bool) {
	changed := false
	if input.Title != "" && known.Title != input.Title {
		known.Title = input.Title
		changed = true
	}
	if input.Description != "" && known.Description != input.Description {
		known.Description = input.Description
		changed = true
	}
	if known.EnclosureURL != input.EnclosureURL {
		known.EnclosureURL = input.EnclosureURL
		changed = true
	}
	if input.Duration > 0 && known.Duration != input.Duration {
		known.Duration = input.Duration
		changed = true
	}
	if input.PublishedAt != nil && (!known.HasPublish || !known.PublishedAt.Equal(*input.PublishedAt)) {
		known.PublishedAt = *input.PublishedAt
		known.HasPublish = true
		changed = true
	}
	return known, changed
}
