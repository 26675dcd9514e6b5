package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

const (
	usecasesCollection = "usecases"
	filesCollection    = "source_files"
	pagesCollection    = "page_results"
	itemsCollection    = "generated_items"
	countersCollection = "item_counters"
)

// Firestore is the Store used by the deployed pipeline.
type Firestore struct {
	client *firestore.Client
	now    func() time.Time
}

var _ Store = (*Firestore)(nil)

// NewFirestore wraps an existing Firestore client.
func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client, now: time.Now}
}

func (s *Firestore) CreateUsecase(ctx context.Context, u *models.Usecase) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
		u.UpdatedAt = u.CreatedAt
	}
	if _, err := s.client.Collection(usecasesCollection).Doc(u.ID).Create(ctx, u); err != nil {
		return fmt.Errorf("failed to create usecase %s: %w", u.ID, err)
	}
	return nil
}

func (s *Firestore) GetUsecase(ctx context.Context, id string) (*models.Usecase, error) {
	snap, err := s.client.Collection(usecasesCollection).Doc(id).Get(ctx)
	if err != nil {
		if snap != nil && !snap.Exists() {
			return nil, fmt.Errorf("usecase %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load usecase %s: %w", id, err)
	}
	u := &models.Usecase{}
	if err := snap.DataTo(u); err != nil {
		return nil, fmt.Errorf("failed to decode usecase %s: %w", id, err)
	}
	u.ID = snap.Ref.ID
	return u, nil
}

func (s *Firestore) SetStageStatus(ctx context.Context, usecaseID string, stage models.Stage, status models.Status) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	now := s.now()
	_, err := s.client.Collection(usecasesCollection).Doc(usecaseID).Update(ctx, []firestore.Update{
		{Path: string(stage) + ".status", Value: string(status)},
		{Path: string(stage) + ".updatedAt", Value: now},
		{Path: "updatedAt", Value: now},
	})
	if err != nil {
		return fmt.Errorf("failed to update stage %s of usecase %s: %w", stage, usecaseID, err)
	}
	return nil
}

func (s *Firestore) ConfirmStage(ctx context.Context, usecaseID string, stage models.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	now := s.now()
	_, err := s.client.Collection(usecasesCollection).Doc(usecaseID).Update(ctx, []firestore.Update{
		{Path: string(stage) + ".confirmed", Value: true},
		{Path: string(stage) + ".updatedAt", Value: now},
	})
	if err != nil {
		return fmt.Errorf("failed to confirm stage %s of usecase %s: %w", stage, usecaseID, err)
	}
	return nil
}

func (s *Firestore) CreateSourceFile(ctx context.Context, f *models.SourceFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
		f.UpdatedAt = f.CreatedAt
	}
	if _, err := s.client.Collection(filesCollection).Doc(f.ID).Create(ctx, f); err != nil {
		return fmt.Errorf("failed to create source file %s: %w", f.ID, err)
	}
	return nil
}

func (s *Firestore) GetSourceFile(ctx context.Context, id string) (*models.SourceFile, error) {
	snap, err := s.client.Collection(filesCollection).Doc(id).Get(ctx)
	if err != nil {
		if snap != nil && !snap.Exists() {
			return nil, fmt.Errorf("source file %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load source file %s: %w", id, err)
	}
	f := &models.SourceFile{}
	if err := snap.DataTo(f); err != nil {
		return nil, fmt.Errorf("failed to decode source file %s: %w", id, err)
	}
	f.ID = snap.Ref.ID
	return f, nil
}

func (s *Firestore) ListSourceFiles(ctx context.Context, usecaseID string) ([]*models.SourceFile, error) {
	iter := s.client.Collection(filesCollection).
		Where("usecaseId", "==", usecaseID).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.SourceFile
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list source files for usecase %s: %w", usecaseID, err)
		}
		f := &models.SourceFile{}
		if err := doc.DataTo(f); err != nil {
			return nil, fmt.Errorf("failed to decode source file %s: %w", doc.Ref.ID, err)
		}
		f.ID = doc.Ref.ID
		out = append(out, f)
	}
	return out, nil
}

func (s *Firestore) FindFileByHash(ctx context.Context, usecaseID, hash string) (*models.SourceFile, error) {
	iter := s.client.Collection(filesCollection).
		Where("usecaseId", "==", usecaseID).
		Where("fileHash", "==", hash).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("file with hash %s in usecase %s: %w", hash, usecaseID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up file by hash: %w", err)
	}
	f := &models.SourceFile{}
	if err := doc.DataTo(f); err != nil {
		return nil, fmt.Errorf("failed to decode source file %s: %w", doc.Ref.ID, err)
	}
	f.ID = doc.Ref.ID
	return f, nil
}

func (s *Firestore) SetFileStatus(ctx context.Context, fileID string, status models.Status, errorDetails string) error {
	_, err := s.client.Collection(filesCollection).Doc(fileID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "errorDetails", Value: errorDetails},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		return fmt.Errorf("failed to update status of file %s: %w", fileID, err)
	}
	return nil
}

func (s *Firestore) SetFileSummary(ctx context.Context, fileID string, status models.Status, pageCount, completedPages, errorPages int) error {
	_, err := s.client.Collection(filesCollection).Doc(fileID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "pageCount", Value: pageCount},
		{Path: "completedPages", Value: completedPages},
		{Path: "errorPages", Value: errorPages},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		return fmt.Errorf("failed to update summary of file %s: %w", fileID, err)
	}
	return nil
}

func (s *Firestore) UpsertPageResult(ctx context.Context, p *models.PageResult) error {
	p.UpdatedAt = s.now()
	docID := fmt.Sprintf("%s-%d", p.FileID, p.PageNumber)
	if _, err := s.client.Collection(pagesCollection).Doc(docID).Set(ctx, p); err != nil {
		return fmt.Errorf("failed to upsert page %d of file %s: %w", p.PageNumber, p.FileID, err)
	}
	return nil
}

func (s *Firestore) ListPageResults(ctx context.Context, fileID string) ([]*models.PageResult, error) {
	iter := s.client.Collection(pagesCollection).
		Where("fileId", "==", fileID).
		OrderBy("pageNumber", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.PageResult
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list pages of file %s: %w", fileID, err)
		}
		p := &models.PageResult{}
		if err := doc.DataTo(p); err != nil {
			return nil, fmt.Errorf("failed to decode page result %s: %w", doc.Ref.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// InsertGeneratedItem runs a transaction that advances the usecase's per-kind
// counter document and creates the item with the resulting DisplayID, so two
// concurrent inserts can never claim the same rank.
func (s *Firestore) InsertGeneratedItem(ctx context.Context, item *models.GeneratedItem) error {
	if !item.Kind.GeneratesItems() {
		return fmt.Errorf("stage %q does not generate items", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	counterRef := s.client.Collection(countersCollection).Doc(fmt.Sprintf("%s-%s", item.UsecaseID, item.Kind))
	itemRef := s.client.Collection(itemsCollection).Doc(item.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		next := 1
		snap, err := tx.Get(counterRef)
		switch {
		case err != nil && snap != nil && !snap.Exists():
			// First item of this kind for the usecase.
		case err != nil:
			return fmt.Errorf("failed to read counter %s: %w", counterRef.ID, err)
		default:
			v, err := snap.DataAt("nextValue")
			if err != nil {
				return fmt.Errorf("failed to read counter value: %w", err)
			}
			n, ok := v.(int64)
			if !ok {
				return fmt.Errorf("counter %s holds %T, want int64", counterRef.ID, v)
			}
			next = int(n) + 1
		}
		if err := tx.Set(counterRef, map[string]any{"nextValue": next}); err != nil {
			return fmt.Errorf("failed to write counter %s: %w", counterRef.ID, err)
		}
		item.DisplayID = next
		if err := tx.Create(itemRef, item); err != nil {
			return fmt.Errorf("failed to create item %s: %w", item.ID, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert generated item for usecase %s: %w", item.UsecaseID, err)
	}
	return nil
}

func (s *Firestore) ListGeneratedItems(ctx context.Context, usecaseID string, kind models.Stage) ([]*models.GeneratedItem, error) {
	iter := s.client.Collection(itemsCollection).
		Where("usecaseId", "==", usecaseID).
		Where("kind", "==", string(kind)).
		OrderBy("displayId", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.GeneratedItem
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s items of usecase %s: %w", kind, usecaseID, err)
		}
		it := &models.GeneratedItem{}
		if err := doc.DataTo(it); err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", doc.Ref.ID, err)
		}
		it.ID = doc.Ref.ID
		out = append(out, it)
	}
	return out, nil
}

func (s *Firestore) CountGeneratedItems(ctx context.Context, usecaseID string, kind models.Stage) (int, error) {
	iter := s.client.Collection(itemsCollection).
		Where("usecaseId", "==", usecaseID).
		Where("kind", "==", string(kind)).
		Select().
		Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count %s items of usecase %s: %w", kind, usecaseID, err)
		}
		n++
	}
	return n, nil
}
