package opml

import (
	"bytes"
	"strings"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	subs := []Subscription{
		{Title: "Go Time", FeedURL: "https://feeds.example.com/gotime"},
		{Title: "The Changelog", FeedURL: "https://feeds.example.com/changelog"},
	}

	var buf bytes.Buffer
	if err := Export(&buf, subs); err != nil {
		t.Fatalf("Export: %v", err)
	}

	parsed, err := Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(parsed) != len(subs) {
		t.Fatalf("parsed %d subscriptions, want %d", len(parsed), len(subs))
	}
	for i, sub := range parsed {
		if sub != subs[i] {
			t.Errorf("subscription %d = %+v, want %+v", i, sub, subs[i])
		}
	}
}

func TestImportSkipsOutlinesWithoutURL(t *testing.T) {
	doc := `<opml version="2.0"><body>
<outline type="rss" text="Good" xmlUrl="https://feeds.example.com/good"/>
<outline text="Folder"/>
<outline type="rss" text="Fallback Title" xmlUrl="https://feeds.example.com/fallback"/>
</body></opml>`

	subs, err := Import(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("parsed = %+v", subs)
	}
	if subs[1].Title != "Fallback Title" {
		t.Errorf("text attribute not used as title: %+v", subs[1])
	}
}

func TestImportMalformed(t *testing.T) {
	if _, err := Import(strings.NewReader("not xml at all")); err == nil {
		t.Fatal("expected decode error")
	}
}
