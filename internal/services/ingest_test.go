package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

type fakeLauncher struct {
	arguments []any
	err       error
}

func (l *fakeLauncher) Launch(ctx context.Context, argument any) (string, error) {
	l.arguments = append(l.arguments, argument)
	if l.err != nil {
		return "", l.err
	}
	return "projects/p/locations/l/workflows/w/executions/e1", nil
}

func newIngestFixture(t *testing.T) (store.Store, *fakeBlobStore, *fakeLauncher, *IngestFunction, string) {
	t.Helper()
	st := store.NewMemory()
	u := models.NewUsecase("uc-ingest", genNow)
	require.NoError(t, st.CreateUsecase(context.Background(), u))
	blobs := newFakeBlobStore()
	launcher := &fakeLauncher{}
	fn := NewIngestFunction(st, blobs, launcher, IngestConfig{ProjectID: "p"})
	return st, blobs, launcher, fn, u.ID
}

func TestIngestRecordsFileAndLaunchesWorkflow(t *testing.T) {
	ctx := context.Background()
	st, blobs, launcher, fn, id := newIngestFixture(t)
	content := []byte("%PDF-1.4 fake document body")
	blobs.objects["gs://uploads/"+id+"/uploads/design.pdf"] = content

	err := fn.Process(ctx, GCSEvent{Bucket: "uploads", Name: id + "/uploads/design.pdf"})
	require.NoError(t, err)

	files, err := st.ListSourceFiles(ctx, id)
	require.NoError(t, err)
	require.Len(t, files, 1)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), files[0].FileHash)
	assert.Equal(t, "design.pdf", files[0].OriginalFilename)
	assert.Equal(t, models.StatusNotStarted, files[0].Status)
	assert.Equal(t, "gs://uploads/"+id+"/uploads/design.pdf", files[0].BlobURI)

	require.Len(t, launcher.arguments, 1)
	assert.Equal(t, map[string]string{"usecaseId": id, "fileId": files[0].ID}, launcher.arguments[0])
}

func TestIngestSkipsDuplicateContent(t *testing.T) {
	ctx := context.Background()
	st, blobs, launcher, fn, id := newIngestFixture(t)
	content := []byte("same bytes either way")
	blobs.objects["gs://uploads/"+id+"/uploads/a.pdf"] = content
	blobs.objects["gs://uploads/"+id+"/uploads/b.pdf"] = content

	require.NoError(t, fn.Process(ctx, GCSEvent{Bucket: "uploads", Name: id + "/uploads/a.pdf"}))
	require.NoError(t, fn.Process(ctx, GCSEvent{Bucket: "uploads", Name: id + "/uploads/b.pdf"}))

	files, err := st.ListSourceFiles(ctx, id)
	require.NoError(t, err)
	assert.Len(t, files, 1, "identical content must be ingested once")
	assert.Len(t, launcher.arguments, 1)
}

func TestIngestIgnoresNonUploadObjects(t *testing.T) {
	ctx := context.Background()
	st, _, launcher, fn, id := newIngestFixture(t)

	require.NoError(t, fn.Process(ctx, GCSEvent{Bucket: "uploads", Name: id + "/pages/00001.pdf"}))
	require.NoError(t, fn.Process(ctx, GCSEvent{Bucket: "uploads", Name: "stray.pdf"}))

	files, err := st.ListSourceFiles(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, launcher.arguments)
}

func TestIngestRejectsUnknownUsecase(t *testing.T) {
	_, blobs, _, fn, _ := newIngestFixture(t)
	blobs.objects["gs://uploads/ghost/uploads/doc.pdf"] = []byte("content")

	err := fn.Process(context.Background(), GCSEvent{Bucket: "uploads", Name: "ghost/uploads/doc.pdf"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestLaunchFailureMarksFileFailed(t *testing.T) {
	ctx := context.Background()
	st, blobs, launcher, fn, id := newIngestFixture(t)
	launcher.err = errors.New("workflow API unavailable")
	blobs.objects["gs://uploads/"+id+"/uploads/doc.pdf"] = []byte("content")

	err := fn.Process(ctx, GCSEvent{Bucket: "uploads", Name: id + "/uploads/doc.pdf"})
	require.Error(t, err)

	files, lerr := st.ListSourceFiles(ctx, id)
	require.NoError(t, lerr)
	require.Len(t, files, 1)
	assert.Equal(t, models.StatusFailed, files[0].Status)
	assert.Contains(t, files[0].ErrorDetails, "failed to launch extraction workflow")
}

func TestParseUploadPath(t *testing.T) {
	tests := []struct {
		name         string
		object       string
		wantUsecase  string
		wantFilename string
		wantOK       bool
	}{
		{name: "well formed", object: "uc-1/uploads/spec.pdf", wantUsecase: "uc-1", wantFilename: "spec.pdf", wantOK: true},
		{name: "nested filename", object: "uc-1/uploads/drafts/spec.pdf", wantUsecase: "uc-1", wantFilename: "drafts/spec.pdf", wantOK: true},
		{name: "wrong folder", object: "uc-1/pages/spec.pdf", wantOK: false},
		{name: "no usecase", object: "/uploads/spec.pdf", wantOK: false},
		{name: "no filename", object: "uc-1/uploads/", wantOK: false},
		{name: "flat object", object: "spec.pdf", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usecaseID, filename, ok := parseUploadPath(tt.object)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantUsecase, usecaseID)
				assert.Equal(t, tt.wantFilename, filename)
			}
		})
	}
}
