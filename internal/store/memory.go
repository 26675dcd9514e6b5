package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

type pageKey struct {
	fileID string
	page   int
}

type counterKey struct {
	usecaseID string
	kind      models.Stage
}

// Memory is an in-memory Store used by tests and as the default backend of
// the local harness. Records are kept by value so callers never share state
// with the store. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	usecases map[string]models.Usecase
	files    map[string]models.SourceFile
	pages    map[pageKey]models.PageResult
	items    map[string]models.GeneratedItem
	counters map[counterKey]int
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		usecases: map[string]models.Usecase{},
		files:    map[string]models.SourceFile{},
		pages:    map[pageKey]models.PageResult{},
		items:    map[string]models.GeneratedItem{},
		counters: map[counterKey]int{},
		now:      time.Now,
	}
}

func (s *Memory) CreateUsecase(_ context.Context, u *models.Usecase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, exists := s.usecases[u.ID]; exists {
		return fmt.Errorf("usecase %s already exists", u.ID)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
		u.UpdatedAt = u.CreatedAt
	}
	s.usecases[u.ID] = *u
	return nil
}

func (s *Memory) GetUsecase(_ context.Context, id string) (*models.Usecase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usecases[id]
	if !ok {
		return nil, fmt.Errorf("usecase %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *Memory) SetStageStatus(_ context.Context, usecaseID string, stage models.Stage, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usecases[usecaseID]
	if !ok {
		return fmt.Errorf("usecase %s: %w", usecaseID, ErrNotFound)
	}
	st, ok := u.Stage(stage)
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	st.Status = status
	st.UpdatedAt = s.now()
	u.SetStage(stage, st)
	u.UpdatedAt = st.UpdatedAt
	s.usecases[usecaseID] = u
	return nil
}

func (s *Memory) ConfirmStage(_ context.Context, usecaseID string, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usecases[usecaseID]
	if !ok {
		return fmt.Errorf("usecase %s: %w", usecaseID, ErrNotFound)
	}
	st, ok := u.Stage(stage)
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	st.Confirmed = true
	st.UpdatedAt = s.now()
	u.SetStage(stage, st)
	u.UpdatedAt = st.UpdatedAt
	s.usecases[usecaseID] = u
	return nil
}

func (s *Memory) CreateSourceFile(_ context.Context, f *models.SourceFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, exists := s.files[f.ID]; exists {
		return fmt.Errorf("source file %s already exists", f.ID)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
		f.UpdatedAt = f.CreatedAt
	}
	s.files[f.ID] = *f
	return nil
}

func (s *Memory) GetSourceFile(_ context.Context, id string) (*models.SourceFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("source file %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

func (s *Memory) ListSourceFiles(_ context.Context, usecaseID string) ([]*models.SourceFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SourceFile
	for id := range s.files {
		f := s.files[id]
		if f.UsecaseID == usecaseID {
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) FindFileByHash(_ context.Context, usecaseID, hash string) (*models.SourceFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.files {
		f := s.files[id]
		if f.UsecaseID == usecaseID && f.FileHash == hash {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("file with hash %s in usecase %s: %w", hash, usecaseID, ErrNotFound)
}

func (s *Memory) SetFileStatus(_ context.Context, fileID string, status models.Status, errorDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("source file %s: %w", fileID, ErrNotFound)
	}
	f.Status = status
	f.ErrorDetails = errorDetails
	f.UpdatedAt = s.now()
	s.files[fileID] = f
	return nil
}

func (s *Memory) SetFileSummary(_ context.Context, fileID string, status models.Status, pageCount, completedPages, errorPages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("source file %s: %w", fileID, ErrNotFound)
	}
	f.Status = status
	f.PageCount = pageCount
	f.CompletedPages = completedPages
	f.ErrorPages = errorPages
	f.UpdatedAt = s.now()
	s.files[fileID] = f
	return nil
}

func (s *Memory) UpsertPageResult(_ context.Context, p *models.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.now()
	s.pages[pageKey{fileID: p.FileID, page: p.PageNumber}] = *p
	return nil
}

func (s *Memory) ListPageResults(_ context.Context, fileID string) ([]*models.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PageResult
	for k := range s.pages {
		p := s.pages[k]
		if p.FileID == fileID {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (s *Memory) InsertGeneratedItem(_ context.Context, item *models.GeneratedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !item.Kind.GeneratesItems() {
		return fmt.Errorf("stage %q does not generate items", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("generated item %s already exists", item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	key := counterKey{usecaseID: item.UsecaseID, kind: item.Kind}
	s.counters[key]++
	item.DisplayID = s.counters[key]
	s.items[item.ID] = *item
	return nil
}

func (s *Memory) ListGeneratedItems(_ context.Context, usecaseID string, kind models.Stage) ([]*models.GeneratedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GeneratedItem
	for id := range s.items {
		it := s.items[id]
		if it.UsecaseID == usecaseID && it.Kind == kind {
			out = append(out, &it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayID < out[j].DisplayID })
	return out, nil
}

func (s *Memory) CountGeneratedItems(_ context.Context, usecaseID string, kind models.Stage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.UsecaseID == usecaseID && it.Kind == kind {
			n++
		}
	}
	return n, nil
}
