// Package feed is a sample platform adapter: it turns RSS/Atom feeds into
// normalized content items satisfying the core's ingestion contract. The
// core itself never depends on this package.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/fnakasako/illunis/pkg/domain"
)

// Parser fetches a feed and normalizes its entries into content items
type Parser struct {
	client    *http.Client
	userAgent string
	sanitizer *bluemonday.Policy
}

// NewParser creates a feed parser
func NewParser(timeout time.Duration, userAgent string) *Parser {
	return &Parser{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Parse fetches a feed URL and returns normalized content items. The feed's
// host is the source tag, the entry GUID the external id, and payload text
// is stripped of any markup before it enters the core.
func (p *Parser) Parse(ctx context.Context, url string) ([]*domain.ContentItem, error) {
	body, err := p.fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer body.Close()

	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	source := sourceTag(parsed, url)
	items := make([]*domain.ContentItem, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		items = append(items, p.normalize(source, entry))
	}
	return items, nil
}

// normalize converts one feed entry into a content item
func (p *Parser) normalize(source string, entry *gofeed.Item) *domain.ContentItem {
	externalID := entry.GUID
	if externalID == "" {
		externalID = entry.Link
	}
	if externalID == "" {
		externalID = entry.Title
	}

	text := entry.Content
	if text == "" {
		text = entry.Description
	}

	payload := map[string]string{
		domain.PayloadTitle: p.sanitizer.Sanitize(entry.Title),
		domain.PayloadText:  p.sanitizer.Sanitize(text),
		domain.PayloadLink:  entry.Link,
	}
	if entry.Author != nil {
		payload[domain.PayloadAuthor] = entry.Author.Name
	}
	if len(entry.Categories) > 0 {
		payload[domain.PayloadTags] = strings.Join(entry.Categories, ",")
	}

	createdAt := time.Now().UTC()
	if entry.PublishedParsed != nil {
		createdAt = entry.PublishedParsed.UTC()
	} else if entry.UpdatedParsed != nil {
		createdAt = entry.UpdatedParsed.UTC()
	}

	return domain.NewContentItem(source, externalID, payload, createdAt)
}

// fetch retrieves content from a URL
func (p *Parser) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// sourceTag derives a stable source tag for a feed
func sourceTag(feed *gofeed.Feed, url string) string {
	if feed.Title != "" {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(feed.Title), " ", "-"))
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i > 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
