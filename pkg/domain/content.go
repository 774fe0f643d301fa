package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ContentItem is a normalized unit of content produced by a platform adapter.
// Identity is (Source, ExternalID); ID is a stable content address derived
// from the pair, so re-ingesting the same item is idempotent.
type ContentItem struct {
	ID         string
	Source     string
	ExternalID string
	Payload    map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// payload keys adapters are expected to fill
const (
	PayloadText   = "text"
	PayloadTitle  = "title"
	PayloadAuthor = "author"
	PayloadTags   = "tags"
	PayloadLink   = "link"
)

// ContentID derives the stable content address for a (source, external id) pair.
func ContentID(source, externalID string) string {
	h := sha256.Sum256([]byte(source + "\n" + externalID))
	return hex.EncodeToString(h[:])
}

// NewContentItem builds a ContentItem with its derived ID set.
func NewContentItem(source, externalID string, payload map[string]string, createdAt time.Time) *ContentItem {
	if payload == nil {
		payload = map[string]string{}
	}
	return &ContentItem{
		ID:         ContentID(source, externalID),
		Source:     source,
		ExternalID: externalID,
		Payload:    payload,
		CreatedAt:  createdAt,
	}
}

// Field returns a payload attribute by name, empty string when absent.
func (c *ContentItem) Field(name string) string {
	if name == "source" {
		return c.Source
	}
	return c.Payload[name]
}
