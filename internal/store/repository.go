package store

import (
	"context"

	"github.com/zhejian/url-shortener/registry/internal/model"
	"github.com/zhejian/url-shortener/registry/internal/repository"
)

// Repository serves repository.LinkRepository from a Collection.
// Every mutation is a single Collection.Update, so uniqueness checks and
// click appends see the collection they write back.
type Repository struct {
	collection Collection
}

// NewRepository adapts collection
func NewRepository(collection Collection) *Repository {
	return &Repository{collection: collection}
}

// Collection returns the underlying store
func (r *Repository) Collection() Collection {
	return r.collection
}

// Create appends link unless its short code is taken
func (r *Repository) Create(ctx context.Context, link *model.LinkRecord) error {
	if link.Clicks == nil {
		link.Clicks = []model.ClickEvent{}
	}

	return r.collection.Update(ctx, func(links []*model.LinkRecord) ([]*model.LinkRecord, error) {
		if find(links, link.ShortCode) != nil {
			return nil, repository.ErrCodeConflict
		}
		return append(links, link.Clone()), nil
	})
}

// GetByCode scans the collection for code
func (r *Repository) GetByCode(ctx context.Context, code string) (*model.LinkRecord, error) {
	links, err := r.collection.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	link := find(links, code)
	if link == nil {
		return nil, repository.ErrNotFound
	}
	return link, nil
}

// List returns the collection in insertion order
func (r *Repository) List(ctx context.Context) ([]*model.LinkRecord, error) {
	return r.collection.LoadAll(ctx)
}

// AppendClick adds click to the record with code
func (r *Repository) AppendClick(ctx context.Context, code string, click model.ClickEvent) error {
	return r.collection.Update(ctx, func(links []*model.LinkRecord) ([]*model.LinkRecord, error) {
		link := find(links, code)
		if link == nil {
			return nil, repository.ErrNotFound
		}
		link.AddClick(click)
		return links, nil
	})
}

func find(links []*model.LinkRecord, code string) *model.LinkRecord {
	for _, l := range links {
		if l.ShortCode == code {
			return l
		}
	}
	return nil
}

var _ repository.LinkRepository = (*Repository)(nil)
