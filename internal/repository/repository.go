package repository

import (
	"context"
	"errors"

	"github.com/zhejian/url-shortener/registry/internal/model"
	"go.opentelemetry.io/otel"
)

var (
	ErrNotFound     = errors.New("link not found")
	ErrCodeConflict = errors.New("short code already exists")
)

var tracer = otel.Tracer("github.com/zhejian/url-shortener/registry/internal/repository")

// LinkRepository is the storage contract of the link registry.
// Every implementation keeps short codes unique and applies AppendClick
// atomically to a single record.
type LinkRepository interface {
	Create(ctx context.Context, link *model.LinkRecord) error
	GetByCode(ctx context.Context, code string) (*model.LinkRecord, error)
	List(ctx context.Context) ([]*model.LinkRecord, error)
	AppendClick(ctx context.Context, code string, click model.ClickEvent) error
}
