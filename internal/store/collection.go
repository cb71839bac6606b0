// Package store keeps the whole link collection as one serialized JSON
// array under a single key, and adapts it to repository.LinkRepository.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zhejian/url-shortener/registry/internal/model"
)

// DefaultKey is the key holding the serialized collection.
const DefaultKey = "shortenedUrls"

// ErrConflict is returned when an optimistic update lost every retry.
var ErrConflict = errors.New("collection modified concurrently")

// UpdateFunc receives the current collection and returns its replacement.
// Returning an error aborts the update and nothing is written.
type UpdateFunc func(links []*model.LinkRecord) ([]*model.LinkRecord, error)

// Collection is a whole-collection store.
type Collection interface {
	// LoadAll returns an empty slice when nothing has been stored yet.
	LoadAll(ctx context.Context) ([]*model.LinkRecord, error)
	// SaveAll replaces the stored collection.
	SaveAll(ctx context.Context, links []*model.LinkRecord) error
	// Update runs a read-modify-write that no other writer can interleave with.
	Update(ctx context.Context, fn UpdateFunc) error
}

func decode(data []byte) ([]*model.LinkRecord, error) {
	links := []*model.LinkRecord{}
	if len(data) == 0 {
		return links, nil
	}
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.Clicks == nil {
			l.Clicks = []model.ClickEvent{}
		}
	}
	return links, nil
}

func encode(links []*model.LinkRecord) ([]byte, error) {
	if links == nil {
		links = []*model.LinkRecord{}
	}
	return json.Marshal(links)
}
