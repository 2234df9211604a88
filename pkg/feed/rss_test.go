package feed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/podweave/podweave/pkg/feed"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Deep Dive Radio</title>
    <item>
      <title>Episode One: Beginnings</title>
      <guid isPermaLink="false">ddr-001</guid>
      <enclosure url="https://cdn.example.com/ep1.mp3" type="audio/mpeg" length="1024"/>
      <pubDate>Mon, 02 Mar 2026 08:00:00 +0000</pubDate>
      <itunes:duration>01:02:03</itunes:duration>
      <description>The very first episode.</description>
    </item>
    <item>
      <title>Episode Two</title>
      <guid>ddr-002</guid>
      <enclosure url="https://cdn.example.com/ep2.mp3" type="audio/mpeg"/>
      <itunes:duration>45:30</itunes:duration>
    </item>
    <item>
      <title>No audio here</title>
      <guid>ddr-003</guid>
    </item>
    <item>
      <title>Bare seconds</title>
      <enclosure url="https://cdn.example.com/ep4.mp3" type="audio/mpeg"/>
      <itunes:duration>90</itunes:duration>
    </item>
  </channel>
</rss>`

func TestParseRSS(t *testing.T) {
	t.Parallel()

	episodes, err := feed.ParseRSS([]byte(sampleFeed))
	if err != nil {
		t.Fatalf("ParseRSS() error = %v", err)
	}
	if got, want := len(episodes), 3; got != want {
		t.Fatalf("len(episodes) = %d, want %d (item without enclosure must be dropped)", got, want)
	}

	ep := episodes[0]
	if got, want := ep.GUID, "ddr-001"; got != want {
		t.Errorf("GUID = %q, want %q", got, want)
	}
	if got, want := ep.PodcastName, "Deep Dive Radio"; got != want {
		t.Errorf("PodcastName = %q, want %q", got, want)
	}
	if got, want := ep.Title, "Episode One: Beginnings"; got != want {
		t.Errorf("Title = %q, want %q", got, want)
	}
	if got, want := ep.Duration, time.Hour+2*time.Minute+3*time.Second; got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}
	if got, want := ep.PublicationDate.UTC(), time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("PublicationDate = %v, want %v", got, want)
	}

	if got, want := episodes[1].Duration, 45*time.Minute+30*time.Second; got != want {
		t.Errorf("episodes[1].Duration = %v, want %v", got, want)
	}

	// A missing GUID must fall back to the enclosure URL.
	if got, want := episodes[2].GUID, "https://cdn.example.com/ep4.mp3"; got != want {
		t.Errorf("episodes[2].GUID = %q, want %q", got, want)
	}
	if got, want := episodes[2].Duration, 90*time.Second; got != want {
		t.Errorf("episodes[2].Duration = %v, want %v", got, want)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"01:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"45:30", 45*time.Minute + 30*time.Second},
		{"90", 90 * time.Second},
		{"90.5", 90*time.Second + 500*time.Millisecond},
		{"", 0},
		{"not-a-duration", 0},
		{"-5", 0},
		{"1:2:3:4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := feed.ParseDuration(tt.in); got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRSSSourceFetches(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	src, err := feed.NewRSSSource(srv.URL)
	if err != nil {
		t.Fatalf("NewRSSSource() error = %v", err)
	}
	episodes, err := src.Episodes(context.Background())
	if err != nil {
		t.Fatalf("Episodes() error = %v", err)
	}
	if got, want := len(episodes), 3; got != want {
		t.Errorf("len(episodes) = %d, want %d", got, want)
	}
}

func TestRSSSourceServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := feed.NewRSSSource(srv.URL)
	if err != nil {
		t.Fatalf("NewRSSSource() error = %v", err)
	}
	if _, err := src.Episodes(context.Background()); err == nil {
		t.Fatal("Episodes() error = nil, want HTTP 500 error")
	}
}

func TestEmptyFeed(t *testing.T) {
	t.Parallel()

	episodes, err := feed.ParseRSS([]byte(`<rss version="2.0"><channel><title>Empty</title></channel></rss>`))
	if err != nil {
		t.Fatalf("ParseRSS() error = %v", err)
	}
	if len(episodes) != 0 {
		t.Errorf("len(episodes) = %d, want 0", len(episodes))
	}
}
