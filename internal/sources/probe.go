package sources

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedInfo summarises a probed feed.
type FeedInfo struct {
	Title string `json:"title"`
	Items int    `json:"items"`
}

// Prober verifies that an RSS/Atom url parses before it is registered.
type Prober struct {
	parser  *gofeed.Parser
	timeout time.Duration
}

func NewProber(client *http.Client, timeout time.Duration) *Prober {
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{parser: p, timeout: timeout}
}

// Probe fetches and parses the feed at url.
func (p *Prober) Probe(ctx context.Context, url string) (FeedInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	feed, err := p.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return FeedInfo{}, fmt.Errorf("probe %s: %w", url, err)
	}
	return FeedInfo{Title: feed.Title, Items: len(feed.Items)}, nil
}
