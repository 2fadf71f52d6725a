// Package courses holds the delivery job board, pressing offers and the
// offline-aware reservation actions built on them.
package courses

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
)

// DefaultPageSize is the page size used when walking the catalog.
const DefaultPageSize = 10

// Page is a page of courses.
type Page = model.CursorPage[model.Course]

// Catalog lists courses published by the backend.
type Catalog interface {
	AvailablePage(ctx context.Context, cursor string, limit int) (Page, error)
	HistoryPage(ctx context.Context, cursor string, limit int) (Page, error)
}

// Paginate slices src from the numeric cursor. A cursor that is not a
// non-negative integer starts from the beginning.
func Paginate[T any](src []T, cursor string, limit int) model.CursorPage[T] {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	start, err := strconv.Atoi(cursor)
	if err != nil || start < 0 {
		start = 0
	}
	start = min(start, len(src))
	end := min(start+limit, len(src))

	page := model.CursorPage[T]{Items: append([]T{}, src[start:end]...)}
	if end < len(src) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page
}

// SeedCatalog serves the demo data from memory.
type SeedCatalog struct {
	available []model.Course
	history   []model.Course
}

var _ Catalog = (*SeedCatalog)(nil)

// NewSeedCatalog returns the demo catalog dated relative to now.
func NewSeedCatalog(now time.Time) *SeedCatalog {
	return &SeedCatalog{available: SeedAvailable(now), history: SeedHistory(now)}
}

func (s *SeedCatalog) AvailablePage(_ context.Context, cursor string, limit int) (Page, error) {
	return Paginate(s.available, cursor, limit), nil
}

func (s *SeedCatalog) HistoryPage(_ context.Context, cursor string, limit int) (Page, error) {
	return Paginate(s.history, cursor, limit), nil
}

// APICatalog reads the course lists from the backend.
type APICatalog struct {
	api httpclient.API
}

var _ Catalog = (*APICatalog)(nil)

// NewAPICatalog constructs a catalog backed by api.
func NewAPICatalog(api httpclient.API) *APICatalog { return &APICatalog{api: api} }

func (a *APICatalog) page(ctx context.Context, path, cursor string, limit int) (Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p Page
	if err := a.api.Get(ctx, path, &p, nil); err != nil {
		return Page{}, err
	}
	return p, nil
}

func (a *APICatalog) AvailablePage(ctx context.Context, cursor string, limit int) (Page, error) {
	return a.page(ctx, "/courses/available", cursor, limit)
}

func (a *APICatalog) HistoryPage(ctx context.Context, cursor string, limit int) (Page, error) {
	return a.page(ctx, "/courses/history", cursor, limit)
}

// FallbackCatalog reads from primary and serves the demo data when the
// backend is unreachable.
type FallbackCatalog struct {
	primary  Catalog
	fallback Catalog
	log      *zap.Logger
}

var _ Catalog = (*FallbackCatalog)(nil)

// NewFallbackCatalog serves fallback when primary fails with a network error.
func NewFallbackCatalog(primary, fallback Catalog, log *zap.Logger) *FallbackCatalog {
	return &FallbackCatalog{primary: primary, fallback: fallback, log: logging.OrNop(log)}
}

func (f *FallbackCatalog) pick(ctx context.Context, err error, list string) bool {
	if errs.KindOf(err) != errs.KindNetwork || ctx.Err() != nil {
		return false
	}
	f.log.Warn("courses_catalog_using_fallback", zap.String("list", list), zap.Error(err))
	return true
}

func (f *FallbackCatalog) AvailablePage(ctx context.Context, cursor string, limit int) (Page, error) {
	p, err := f.primary.AvailablePage(ctx, cursor, limit)
	if err != nil && f.pick(ctx, err, "available") {
		return f.fallback.AvailablePage(ctx, cursor, limit)
	}
	return p, err
}

func (f *FallbackCatalog) HistoryPage(ctx context.Context, cursor string, limit int) (Page, error) {
	p, err := f.primary.HistoryPage(ctx, cursor, limit)
	if err != nil && f.pick(ctx, err, "history") {
		return f.fallback.HistoryPage(ctx, cursor, limit)
	}
	return p, err
}
