package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/zhejian/url-shortener/registry/internal/eventlog"
	"github.com/zhejian/url-shortener/registry/internal/model"
	"github.com/zhejian/url-shortener/registry/internal/observability"
	"github.com/zhejian/url-shortener/registry/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyURL            = errors.New("URL is required")
	ErrInvalidURL          = errors.New("invalid URL format")
	ErrInvalidValidity     = errors.New("validity must be a positive number of minutes")
	ErrInvalidAlias        = errors.New("invalid custom code format")
	ErrCodeExists          = errors.New("custom code already in use")
	ErrShortCodeGeneration = errors.New("failed to generate short URL")
	ErrLinkNotFound        = errors.New("link not found")
	ErrLinkExpired         = fmt.Errorf("%w: link has expired", ErrLinkNotFound)
	ErrEmptyBatch          = errors.New("at least one link is required")
	ErrBatchTooLarge       = errors.New("too many links in one request")
)

// MaxValidityMinutes is the longest validity whose expiry still fits in a time.Duration.
const MaxValidityMinutes int64 = math.MaxInt64 / int64(time.Minute)

// Codes that would shadow fixed routes
var reservedCodes = map[string]bool{
	"api":     true,
	"health":  true,
	"metrics": true,
}

// BatchError reports which entry of a batch failed
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("link %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// LinkServiceInterface defines the contract of the link registry
type LinkServiceInterface interface {
	CreateShortURL(ctx context.Context, req *model.CreateLinkRequest) (*model.LinkRecord, error)
	CreateBatch(ctx context.Context, reqs []model.CreateLinkRequest) ([]*model.LinkRecord, error)
	FindByCode(ctx context.Context, code string) (*model.LinkRecord, error)
	RecordClick(ctx context.Context, code, source string) error
	ListAll(ctx context.Context) ([]*model.LinkRecord, error)
	GetStats(ctx context.Context, code string) (*model.LinkRecord, error)
	Redirect(ctx context.Context, code, source string) (string, error)
}

// Config carries the registry settings and collaborators
type Config struct {
	BaseURL          string
	DefaultValidity  int // Minutes
	ShortCodeLen     int
	ShortCodeRetries int
	MaxAliasLen      int
	MaxBatchSize     int

	Generator *ShortCodeGenerator
	Events    eventlog.Emitter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Clock     func() time.Time
}

// LinkService handles business logic for link operations
type LinkService struct {
	repo repository.LinkRepository
	cfg  Config
}

type nopEmitter struct{}

func (nopEmitter) Emit(eventlog.Level, string) {}

// NewLinkService creates a new link service, filling unset settings with defaults
func NewLinkService(repo repository.LinkRepository, cfg Config) *LinkService {
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = 30
	}
	if cfg.ShortCodeLen <= 0 {
		cfg.ShortCodeLen = 6
	}
	if cfg.ShortCodeRetries <= 0 {
		cfg.ShortCodeRetries = 10
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5
	}
	if cfg.Generator == nil {
		cfg.Generator = NewShortCodeGenerator(nil)
	}
	if cfg.Events == nil {
		cfg.Events = nopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/zhejian/url-shortener/registry/internal/service")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &LinkService{repo: repo, cfg: cfg}
}

// CreateShortURL validates the request and stores a new link
func (s *LinkService) CreateShortURL(ctx context.Context, req *model.CreateLinkRequest) (link *model.LinkRecord, err error) {
	ctx, span := s.cfg.Tracer.Start(ctx, "LinkService.CreateShortURL")
	defer func() {
		if link != nil {
			span.SetAttributes(observability.ShortCodeKey.String(link.ShortCode))
		}
		observability.EndSpan(span, err, ErrCodeExists)
	}()

	validity, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, req, validity)
}

// CreateBatch validates every request before creating any, then creates
// them in order and stops at the first failure. Links created before the
// failure are returned with the error.
func (s *LinkService) CreateBatch(ctx context.Context, reqs []model.CreateLinkRequest) ([]*model.LinkRecord, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	validities := make([]time.Duration, len(reqs))
	for i := range reqs {
		v, err := s.validate(&reqs[i])
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		validities[i] = v
	}

	created := make([]*model.LinkRecord, 0, len(reqs))
	for i := range reqs {
		link, err := s.create(ctx, &reqs[i], validities[i])
		if err != nil {
			return created, &BatchError{Index: i, Err: err}
		}
		created = append(created, link)
	}
	return created, nil
}

// FindByCode returns the link for code. Expired links stay stored but
// resolve as ErrLinkExpired, which matches ErrLinkNotFound.
func (s *LinkService) FindByCode(ctx context.Context, code string) (*model.LinkRecord, error) {
	link, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if link.IsExpired(s.cfg.Clock()) {
		s.cfg.Events.Emit(eventlog.LevelWarn, fmt.Sprintf("Expired link accessed: %s", code))
		s.cfg.Metrics.ExpiredLookup(ctx)
		return nil, ErrLinkExpired
	}
	return link, nil
}

// RecordClick appends a click to the link with code. It does not check
// expiry and an unknown code is a silent no-op.
func (s *LinkService) RecordClick(ctx context.Context, code, source string) error {
	click := model.NewClickEvent(s.cfg.Clock(), source)
	if err := s.repo.AppendClick(ctx, code, click); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	s.cfg.Events.Emit(eventlog.LevelInfo, fmt.Sprintf("Click recorded for short code: %s", code))
	s.cfg.Metrics.ClickRecorded(ctx)
	return nil
}

// ListAll returns every link, expired ones included
func (s *LinkService) ListAll(ctx context.Context) ([]*model.LinkRecord, error) {
	links, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []*model.LinkRecord{}
	}
	return links, nil
}

// GetStats returns a link with its click history regardless of expiry
func (s *LinkService) GetStats(ctx context.Context, code string) (*model.LinkRecord, error) {
	return s.getByCode(ctx, code)
}

// Redirect resolves code to its long URL and records the click.
// A failure to record the click is logged and does not block the redirect.
func (s *LinkService) Redirect(ctx context.Context, code, source string) (target string, err error) {
	ctx, span := s.cfg.Tracer.Start(ctx, "LinkService.Redirect",
		trace.WithAttributes(observability.ShortCodeKey.String(code)))
	defer func() { observability.EndSpan(span, err, ErrLinkExpired, ErrLinkNotFound) }()

	link, err := s.FindByCode(ctx, code)
	if err != nil {
		return "", err
	}

	if err := s.RecordClick(ctx, code, source); err != nil {
		s.cfg.Logger.ErrorContext(ctx, "failed to record click",
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	return link.LongURL, nil
}

// validate checks a create request and returns the validity period
func (s *LinkService) validate(req *model.CreateLinkRequest) (time.Duration, error) {
	if strings.TrimSpace(req.LongURL) == "" {
		return 0, ErrEmptyURL
	}
	if !ValidURL(req.LongURL) {
		return 0, ErrInvalidURL
	}

	minutes := s.cfg.DefaultValidity
	if req.Validity != nil {
		if *req.Validity < 1 {
			return 0, ErrInvalidValidity
		}
		minutes = *req.Validity
	}
	if int64(minutes) > MaxValidityMinutes {
		return 0, ErrInvalidValidity
	}

	if req.CustomCode != "" {
		if !ValidAlias(req.CustomCode, s.cfg.MaxAliasLen) || reservedCodes[strings.ToLower(req.CustomCode)] {
			return 0, ErrInvalidAlias
		}
	}
	return time.Duration(minutes) * time.Minute, nil
}

func (s *LinkService) create(ctx context.Context, req *model.CreateLinkRequest, validity time.Duration) (*model.LinkRecord, error) {
	var (
		link *model.LinkRecord
		err  error
	)
	if req.CustomCode != "" {
		link, err = s.insert(ctx, req.CustomCode, req.LongURL, validity)
		if errors.Is(err, repository.ErrCodeConflict) {
			s.cfg.Events.Emit(eventlog.LevelError, fmt.Sprintf("Custom code %q is already taken.", req.CustomCode))
			return nil, ErrCodeExists
		}
	} else {
		link, err = s.insertGenerated(ctx, req.LongURL, validity)
	}
	if err != nil {
		return nil, err
	}

	s.cfg.Events.Emit(eventlog.LevelInfo,
		fmt.Sprintf("New link created: %s -> %s...", link.ShortCode, truncate(link.LongURL, 50)))
	s.cfg.Metrics.LinkCreated(ctx)
	return link, nil
}

// insertGenerated retries random codes on collision. After ShortCodeRetries
// failures at the configured length it widens the code by one character for
// another round, then gives up with ErrShortCodeGeneration.
func (s *LinkService) insertGenerated(ctx context.Context, longURL string, validity time.Duration) (*model.LinkRecord, error) {
	for _, length := range []int{s.cfg.ShortCodeLen, s.cfg.ShortCodeLen + 1} {
		for attempt := 0; attempt < s.cfg.ShortCodeRetries; attempt++ {
			candidate, err := s.cfg.Generator.Generate(length)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrShortCodeGeneration, err)
			}
			if reservedCodes[candidate] {
				continue
			}
			link, err := s.insert(ctx, candidate, longURL, validity)
			if errors.Is(err, repository.ErrCodeConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return link, nil
		}
		s.cfg.Logger.WarnContext(ctx, "short code space congested, widening",
			slog.Int("length", length),
			slog.Int("attempts", s.cfg.ShortCodeRetries))
	}
	return nil, ErrShortCodeGeneration
}

func (s *LinkService) insert(ctx context.Context, code, longURL string, validity time.Duration) (*model.LinkRecord, error) {
	now := s.cfg.Clock().UTC()
	link := &model.LinkRecord{
		ShortCode:  code,
		LongURL:    longURL,
		ShortURL:   s.cfg.BaseURL + "/" + code,
		CreatedAt:  now,
		ExpiresAt:  now.Add(validity),
		ClickCount: 0,
		Clicks:     []model.ClickEvent{},
	}
	if err := s.repo.Create(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

func (s *LinkService) getByCode(ctx context.Context, code string) (*model.LinkRecord, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return link, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Ensure LinkService implements LinkServiceInterface at compile time
var _ LinkServiceInterface = (*LinkService)(nil)
