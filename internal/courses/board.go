package courses

import (
	"context"
	"slices"
	"time"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
)

// ErrCourseNotFound is returned when accepting a course that is not on the board.
var ErrCourseNotFound = errs.Wrap(errs.KindValidation, "Course introuvable.", errs.ErrNotFound)

// boardState is what the courier did locally on top of the catalog.
type boardState struct {
	Active    *model.Course  `json:"active,omitempty"`
	Hidden    []string       `json:"hidden"`
	Completed []model.Course `json:"completed"`
	// Listed holds the courses last fetched from the catalog so Accept works offline.
	Listed []model.Course `json:"listed"`
}

// Board applies local transitions optimistically: accepted and rejected
// courses leave the available list at once, completed ones head the history.
type Board struct {
	catalog Catalog
	rec     *storage.Record[boardState]
	now     func() time.Time
}

// NewBoard returns a board over catalog whose local state lives in store.
func NewBoard(catalog Catalog, store storage.Store) *Board {
	return &Board{
		catalog: catalog,
		rec: storage.NewRecord(store, storage.KeyCourseBoard, func() boardState {
			return boardState{Hidden: []string{}, Completed: []model.Course{}, Listed: []model.Course{}}
		}),
		now: time.Now,
	}
}

// AvailablePage lists open courses the courier has not acted on. A first page
// replaces the listed cache, later pages extend it.
func (b *Board) AvailablePage(ctx context.Context, cursor string, limit int) (Page, error) {
	p, err := b.catalog.AvailablePage(ctx, cursor, limit)
	if err != nil {
		return Page{}, err
	}
	st, err := b.rec.Update(ctx, func(st boardState) (boardState, error) {
		st.Listed = mergeListed(st.Listed, p.Items, cursor == "")
		return st, nil
	})
	if err != nil {
		return Page{}, err
	}
	p.Items = slices.DeleteFunc(p.Items, func(c model.Course) bool { return slices.Contains(st.Hidden, c.ID) })
	return p, nil
}

func mergeListed(cached, page []model.Course, replace bool) []model.Course {
	out := make([]model.Course, 0, len(cached)+len(page))
	if !replace {
		for _, c := range cached {
			if !slices.ContainsFunc(page, func(d model.Course) bool { return d.ID == c.ID }) {
				out = append(out, c)
			}
		}
	}
	return append(out, page...)
}

// HistoryPage lists finished courses; locally completed ones lead the first page.
func (b *Board) HistoryPage(ctx context.Context, cursor string, limit int) (Page, error) {
	st, err := b.rec.Get(ctx)
	if err != nil {
		return Page{}, err
	}
	p, err := b.catalog.HistoryPage(ctx, cursor, limit)
	if err != nil {
		return Page{}, err
	}
	if cursor != "" {
		return p, nil
	}
	local := make([]model.Course, 0, len(st.Completed)+len(p.Items))
	local = append(local, st.Completed...)
	for _, c := range p.Items {
		if !slices.ContainsFunc(st.Completed, func(d model.Course) bool { return d.ID == c.ID }) {
			local = append(local, c)
		}
	}
	p.Items = local
	return p, nil
}

// Active returns the course in progress, if any.
func (b *Board) Active(ctx context.Context) (*model.Course, error) {
	st, err := b.rec.Get(ctx)
	if err != nil || st.Active == nil {
		return nil, err
	}
	c := *st.Active
	return &c, nil
}

// find resolves id from the listed cache, reaching the catalog only for ids
// never listed.
func (b *Board) find(ctx context.Context, id string) (model.Course, error) {
	st, err := b.rec.Get(ctx)
	if err != nil {
		return model.Course{}, err
	}
	if slices.Contains(st.Hidden, id) {
		return model.Course{}, ErrCourseNotFound
	}
	if i := slices.IndexFunc(st.Listed, func(c model.Course) bool { return c.ID == id }); i >= 0 {
		return st.Listed[i], nil
	}

	cursor := ""
	for {
		p, err := b.AvailablePage(ctx, cursor, DefaultPageSize)
		if err != nil {
			return model.Course{}, err
		}
		for _, c := range p.Items {
			if c.ID == id {
				return c, nil
			}
		}
		if p.NextCursor == "" {
			return model.Course{}, ErrCourseNotFound
		}
		cursor = p.NextCursor
	}
}

// Accept takes an available course and makes it the active one.
func (b *Board) Accept(ctx context.Context, id, driverID string) (model.Course, error) {
	c, err := b.find(ctx, id)
	if err != nil {
		return model.Course{}, err
	}
	return b.assign(ctx, c, driverID)
}

// AssignExternal makes a course that is not in the catalog (a pressing offer) active.
func (b *Board) AssignExternal(ctx context.Context, c model.Course, driverID string) (model.Course, error) {
	return b.assign(ctx, c, driverID)
}

func (b *Board) assign(ctx context.Context, c model.Course, driverID string) (model.Course, error) {
	at := b.now().UTC()
	c.Statut = model.CourseEnAttente
	c.LivreurID = driverID
	c.DateAcceptation = &at

	_, err := b.rec.Update(ctx, func(st boardState) (boardState, error) {
		st.Active = &c
		st.Hidden = appendUnique(st.Hidden, c.ID)
		return st, nil
	})
	if err != nil {
		return model.Course{}, err
	}
	return c, nil
}

// Reject drops a course from the available list.
func (b *Board) Reject(ctx context.Context, id string) error {
	_, err := b.rec.Update(ctx, func(st boardState) (boardState, error) {
		st.Hidden = appendUnique(st.Hidden, id)
		return st, nil
	})
	return err
}

// StartActive moves the active course to en_cours. It returns nil when there is none.
func (b *Board) StartActive(ctx context.Context) (*model.Course, error) {
	var started *model.Course
	_, err := b.rec.Update(ctx, func(st boardState) (boardState, error) {
		if st.Active == nil {
			return st, nil
		}
		c := *st.Active
		c.Statut = model.CourseEnCours
		st.Active = &c
		started = &c
		return st, nil
	})
	return started, err
}

// CompleteActive finishes the active course and files it in the history.
// It returns nil when there is none.
func (b *Board) CompleteActive(ctx context.Context) (*model.Course, error) {
	var done *model.Course
	at := b.now().UTC()
	_, err := b.rec.Update(ctx, func(st boardState) (boardState, error) {
		if st.Active == nil {
			return st, nil
		}
		c := *st.Active
		c.Statut = model.CourseTerminee
		c.DateTerminaison = &at
		st.Active = nil
		st.Completed = append([]model.Course{c}, slices.DeleteFunc(slices.Clone(st.Completed), func(d model.Course) bool {
			return d.ID == c.ID
		})...)
		done = &c
		return st, nil
	})
	return done, err
}

// Reset forgets every local transition.
func (b *Board) Reset(ctx context.Context) error {
	return b.rec.Reset(ctx)
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(slices.Clone(ids), id)
}
