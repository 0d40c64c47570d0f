package sync

import (
	"encoding/json"
	"testing"

	"castsink/internal/domain"
)

func TestTimestampRoundTrip(t *testing.T) {
	data, err := json.Marshal(Timestamp(1700000000))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"2023-11-14T22:13:20"` {
		t.Errorf("marshal = %s", data)
	}

	var ts Timestamp
	if err := json.Unmarshal(data, &ts); err != nil {
		t.Fatal(err)
	}
	if ts != 1700000000 {
		t.Errorf("unmarshal = %d", ts)
	}
}

func TestTimestampAcceptsRFC3339(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"2023-11-14T22:13:20Z"`), &ts); err != nil {
		t.Fatal(err)
	}
	if ts != 1700000000 {
		t.Errorf("unmarshal = %d", ts)
	}

	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Error("expected parse error")
	}
}

func TestToWirePlayAction(t *testing.T) {
	wire := toWire(domain.Action{
		PodcastURL: "https://feeds.example.com/a",
		EpisodeURL: "https://cdn.example.com/a1.mp3",
		Kind:       domain.ActionPlay,
		Position:   120,
		Total:      300,
		Timestamp:  1700000000,
	}, "dev-1")

	if wire.Action != "play" || wire.Device != "dev-1" {
		t.Errorf("wire = %+v", wire)
	}
	if wire.Position == nil || *wire.Position != 120 {
		t.Error("position missing")
	}
	if wire.Total == nil || *wire.Total != 300 {
		t.Error("total missing")
	}
}

func TestToWireDownloadActionOmitsPlayFields(t *testing.T) {
	wire := toWire(domain.Action{
		PodcastURL: "https://feeds.example.com/a",
		EpisodeURL: "https://cdn.example.com/a1.mp3",
		Kind:       domain.ActionDownload,
		Timestamp:  1700000000,
	}, "dev-1")

	if wire.Position != nil || wire.Total != nil {
		t.Errorf("play fields should be omitted: %+v", wire)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["position"]; ok {
		t.Error("position serialized for non-play action")
	}
}

func TestToDomain(t *testing.T) {
	position := int64(42)
	action := EpisodeAction{
		Podcast:   "https://feeds.example.com/a",
		Episode:   "ep-guid",
		Action:    "play",
		Timestamp: 1700000000,
		Position:  &position,
	}.toDomain()

	if action.Source != domain.SourceRemote {
		t.Errorf("source = %q", action.Source)
	}
	if action.Position != 42 || action.Total != 0 {
		t.Errorf("action = %+v", action)
	}
}
