package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"castsink/internal/domain"
)

// timestampLayout is the format gpodder servers exchange action timestamps
// in: RFC 3339 without a zone suffix, always UTC.
const timestampLayout = "2006-01-02T15:04:05"

// Timestamp marshals a unix time as the gpodder wire format.
type Timestamp int64

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Unix(int64(t), 0).UTC().Format(timestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, layout := range []string{timestampLayout, time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = Timestamp(parsed.Unix())
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", raw)
}

// EpisodeAction is one entry in the episode action exchange.
type EpisodeAction struct {
	Podcast   string    `json:"podcast"`
	Episode   string    `json:"episode"`
	Action    string    `json:"action"`
	Device    string    `json:"device,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
	Started   *int64    `json:"started,omitempty"`
	Position  *int64    `json:"position,omitempty"`
	Total     *int64    `json:"total,omitempty"`
}

// toWire converts a local log entry to its wire form.
func toWire(a domain.Action, device string) EpisodeAction {
	wire := EpisodeAction{
		Podcast:   a.PodcastURL,
		Episode:   a.EpisodeURL,
		Action:    a.Kind,
		Device:    device,
		Timestamp: Timestamp(a.Timestamp),
	}
	if a.Kind == domain.ActionPlay {
		position := a.Position
		wire.Position = &position
		if a.Total > 0 {
			total := a.Total
			wire.Total = &total
		}
	}
	return wire
}

// toDomain converts a wire action to a local log entry with remote origin.
// The episode reference stays unresolved; the caller matches it to the
// catalog.
func (a EpisodeAction) toDomain() domain.Action {
	action := domain.Action{
		PodcastURL: a.Podcast,
		EpisodeURL: a.Episode,
		Kind:       a.Action,
		Timestamp:  int64(a.Timestamp),
		Source:     domain.SourceRemote,
	}
	if a.Position != nil {
		action.Position = *a.Position
	}
	if a.Total != nil {
		action.Total = *a.Total
	}
	return action
}

// actionsPage is the server response to both pushing and pulling episode
// actions.
type actionsPage struct {
	Actions   []EpisodeAction `json:"actions"`
	Timestamp int64           `json:"timestamp"`
}

// subscriptionDelta is the device-scoped subscription exchange payload.
type subscriptionDelta struct {
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// Device describes a registered sync device.
type Device struct {
	ID            string `json:"id"`
	Caption       string `json:"caption"`
	Type          string `json:"type"`
	Subscriptions int    `json:"subscriptions"`
}
