package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/url-shortener/registry/internal/model"
	"github.com/zhejian/url-shortener/registry/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// URLRepository handles database operations for links and their clicks
type URLRepository struct {
	db *pgxpool.Pool
}

// NewURLRepository creates a new URL repository
func NewURLRepository(db *pgxpool.Pool) *URLRepository {
	return &URLRepository{db: db}
}

func startSpan(ctx context.Context, name, operation, table, code string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
			observability.ShortCodeKey.String(code),
		),
	)
}

// Create inserts a new link record into the database
func (r *URLRepository) Create(ctx context.Context, link *model.LinkRecord) error {
	ctx, span := startSpan(ctx, "db.insert", "INSERT", "links", link.ShortCode)
	defer span.End()

	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}

	// The unique index on short_code is what makes creation race free;
	// a violation is reported as ErrCodeConflict.
	query := `
		INSERT INTO links (id, short_code, long_url, short_url, created_at, expires_at, click_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
	`
	_, err := r.db.Exec(ctx, query,
		link.ID,
		link.ShortCode,
		link.LongURL,
		link.ShortURL,
		link.CreatedAt,
		link.ExpiresAt,
	)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCodeConflict
		}
		return err
	}

	if link.Clicks == nil {
		link.Clicks = []model.ClickEvent{}
	}
	return nil
}

// GetByCode retrieves a link and its click history by short code
func (r *URLRepository) GetByCode(ctx context.Context, code string) (*model.LinkRecord, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", "links", code)
	defer span.End()

	query := `
		SELECT id, short_code, long_url, short_url, created_at, expires_at, click_count
		FROM links
		WHERE short_code = $1`
	var link model.LinkRecord
	err := r.db.QueryRow(ctx, query, code).Scan(
		&link.ID,
		&link.ShortCode,
		&link.LongURL,
		&link.ShortURL,
		&link.CreatedAt,
		&link.ExpiresAt,
		&link.ClickCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT clicked_at, source, location FROM clicks WHERE link_id = $1 ORDER BY id`, link.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	link.Clicks, err = pgx.CollectRows(rows, scanClick)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &link, nil
}

// List returns every link, expired ones included, in creation order
func (r *URLRepository) List(ctx context.Context) ([]*model.LinkRecord, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", "links", "")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT id, short_code, long_url, short_url, created_at, expires_at, click_count
		FROM links
		ORDER BY seq`)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.LinkRecord, error) {
		link := &model.LinkRecord{Clicks: []model.ClickEvent{}}
		err := row.Scan(&link.ID, &link.ShortCode, &link.LongURL, &link.ShortURL,
			&link.CreatedAt, &link.ExpiresAt, &link.ClickCount)
		return link, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	byID := make(map[uuid.UUID]*model.LinkRecord, len(links))
	for _, link := range links {
		byID[link.ID] = link
	}

	rows, err = r.db.Query(ctx, `SELECT link_id, clicked_at, source, location FROM clicks ORDER BY id`)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var linkID uuid.UUID
		var click model.ClickEvent
		if err := rows.Scan(&linkID, &click.Timestamp, &click.Source, &click.Location); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if link, ok := byID[linkID]; ok {
			link.Clicks = append(link.Clicks, click)
		}
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return links, nil
}

// AppendClick increments the click counter and stores the click event
// in a single transaction.
func (r *URLRepository) AppendClick(ctx context.Context, code string, click model.ClickEvent) error {
	ctx, span := startSpan(ctx, "db.update", "UPDATE", "links", code)
	defer span.End()

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var linkID uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE links SET click_count = click_count + 1 WHERE short_code = $1 RETURNING id`,
			code,
		).Scan(&linkID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO clicks (link_id, clicked_at, source, location) VALUES ($1, $2, $3, $4)`,
			linkID, click.Timestamp, click.Source, click.Location,
		)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
	}
	return err
}

func scanClick(row pgx.CollectableRow) (model.ClickEvent, error) {
	var click model.ClickEvent
	err := row.Scan(&click.Timestamp, &click.Source, &click.Location)
	return click, err
}

var _ LinkRepository = (*URLRepository)(nil)
