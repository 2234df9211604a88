package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/podweave/podweave/pkg/types"
)

// maxFeedBytes caps how much of a feed response is read. Real podcast feeds
// run a few hundred kilobytes; anything beyond this is a misbehaving server.
const maxFeedBytes = 32 << 20

// Compile-time assertion that RSSSource implements Source.
var _ Source = (*RSSSource)(nil)

// RSSOption configures an RSSSource.
type RSSOption func(*RSSSource)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(client *http.Client) RSSOption {
	return func(s *RSSSource) {
		if client != nil {
			s.client = client
		}
	}
}

// RSSSource fetches a podcast RSS feed over HTTP and parses it into episodes.
type RSSSource struct {
	url    string
	client *http.Client
}

// NewRSSSource creates a Source for the feed at url.
func NewRSSSource(url string, opts ...RSSOption) (*RSSSource, error) {
	if url == "" {
		return nil, fmt.Errorf("feed: url must not be empty")
	}
	s := &RSSSource{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Episodes implements Source.
func (s *RSSSource) Episodes(ctx context.Context) ([]types.Episode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: fetch %s: server returned HTTP %d", s.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("feed: read feed body: %w", err)
	}
	return ParseRSS(data)
}

// ParseRSS parses raw RSS 2.0 bytes into episodes, in document order. Items
// without an audio enclosure are skipped.
func ParseRSS(data []byte) ([]types.Episode, error) {
	var doc rssDocument
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	// Podcast feeds declare all sorts of encodings; fall back to reading
	// the bytes as-is rather than failing on an unknown charset label.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("feed: parse rss: %w", err)
	}

	podcast := strings.TrimSpace(doc.Channel.Title)
	episodes := make([]types.Episode, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		audioURL := strings.TrimSpace(item.Enclosure.URL)
		if audioURL == "" {
			continue
		}
		guid := strings.TrimSpace(item.GUID.Value)
		if guid == "" {
			guid = audioURL
		}
		episodes = append(episodes, types.Episode{
			GUID:            guid,
			Title:           strings.TrimSpace(item.Title),
			AudioURL:        audioURL,
			Duration:        ParseDuration(item.Duration),
			PublicationDate: parsePubDate(item.PubDate),
			PodcastName:     podcast,
			Description:     strings.TrimSpace(item.Description),
		})
	}
	return episodes, nil
}

// ParseDuration parses an itunes:duration value. The tag appears in the wild
// as "HH:MM:SS", "MM:SS", and bare seconds ("3725" or "3725.5"); anything
// unparseable yields zero, which downstream treats as "duration unknown".
func ParseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if !strings.Contains(s, ":") {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	var total int
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

// pubDateLayouts lists the timestamp formats seen in real feeds, tried in
// order. RFC1123Z covers the RSS 2.0 spec; the rest cover common deviations.
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
	"2006-01-02",
}

func parsePubDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ---- wire types -----------------------------------------------------------

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string       `xml:"title"`
	GUID        rssGUID      `xml:"guid"`
	Enclosure   rssEnclosure `xml:"enclosure"`
	PubDate     string       `xml:"pubDate"`
	Duration    string       `xml:"duration"`
	Description string       `xml:"description"`
}

type rssGUID struct {
	Value string `xml:",chardata"`
}

type rssEnclosure struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}
