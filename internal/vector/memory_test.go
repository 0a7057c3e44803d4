package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	ids := []string{"a", "b", "c"}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("top result should be a, got %s", results[0].ID)
	}
	if results[0].Score < 0.999 || results[0].Score > 1.0001 {
		t.Errorf("identical direction should score ~1, got %v", results[0].Score)
	}
}

func TestMemoryIndex_SearchFilter(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"base", "faq", "other"}, [][]float32{{1, 0}, {0.8, 0.2}, {0, 1}})

	allowed := map[string]bool{"faq": true, "other": true}
	results, err := idx.Search(ctx, []float32{1, 0}, 5, func(id string) bool { return allowed[id] })
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 filtered results, got %d", len(results))
	}
	for _, r := range results {
		if r.ID == "base" {
			t.Error("filtered id should not be returned")
		}
	}
	if results[0].ID != "faq" {
		t.Errorf("expected faq first, got %s", results[0].ID)
	}
}

func TestMemoryIndex_NegativeSimilarityFloorsAtZero(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"opposite"}, [][]float32{{-1, 0}})
	results, err := idx.Search(ctx, []float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 0 {
		t.Errorf("expected score 0, got %+v", results)
	}
}

func TestMemoryIndex_AddReplaces(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{1, 0}})
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{0, 1}})
	if idx.Size() != 1 {
		t.Fatalf("re-adding an id should replace, size=%d", idx.Size())
	}
	results, _ := idx.Search(ctx, []float32{0, 1}, 1, nil)
	if len(results) != 1 || results[0].Score < 0.999 {
		t.Errorf("expected replaced vector to match, got %+v", results)
	}
}

func TestMemoryIndex_TieBreakByID(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"z", "m", "a"}, [][]float32{{1, 0}, {1, 0}, {1, 0}})
	results, _ := idx.Search(ctx, []float32{1, 0}, 3, nil)
	got := []string{results[0].ID, results[1].ID, results[2].ID}
	if got[0] != "a" || got[1] != "m" || got[2] != "z" {
		t.Errorf("expected id order on ties, got %v", got)
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x", "y"}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Remove(ctx, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 1 {
		t.Errorf("expected size 1, got %d", idx.Size())
	}
	_ = idx.Add(ctx, []string{"y"}, [][]float32{{1, 1}})
	if idx.Size() != 1 {
		t.Errorf("position map should survive removal, size=%d", idx.Size())
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(3)
	ctx := context.Background()
	if err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0}}); err == nil {
		t.Error("expected add dimension error")
	}
	if _, err := idx.Search(ctx, []float32{1}, 1, nil); err == nil {
		t.Error("expected search dimension error")
	}
	if _, err := NewMemoryIndex(0); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx", "vectors.bin")
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(ctx, []string{"chunk-1", "chunk-2"}, [][]float32{{3, 4}, {0, 1}})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewMemoryIndex(2)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("loaded size=%d", loaded.Size())
	}
	results, _ := loaded.Search(ctx, []float32{0.6, 0.8}, 1, nil)
	if results[0].ID != "chunk-1" {
		t.Errorf("expected chunk-1, got %s", results[0].ID)
	}

	wrong, _ := NewMemoryIndex(3)
	if err := wrong.Load(path); err == nil {
		t.Error("expected dimension mismatch on load")
	}
	missing, _ := NewMemoryIndex(2)
	if err := missing.Load(filepath.Join(t.TempDir(), "none.bin")); err != nil {
		t.Errorf("missing file should not error: %v", err)
	}
}

func TestMemoryIndex_RemoveMiddleKeepsOthersSearchable(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"a", "b", "c"}, [][]float32{{1, 0}, {1, 1}, {0, 1}})
	if err := idx.Remove(ctx, []string{"a", "missing"}); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, []float32{0, 1}, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].ID != "c" || results[1].ID != "b" {
		t.Errorf("unexpected results after remove: %+v", results)
	}
	// c moved into a's slot; replacing it must not grow the index.
	_ = idx.Add(ctx, []string{"c"}, [][]float32{{1, 0}})
	if idx.Size() != 2 {
		t.Errorf("expected size 2, got %d", idx.Size())
	}
}

func TestMemoryIndex_LoadRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.bin")
	if err := os.WriteFile(path, []byte("not an index"), 0600); err != nil {
		t.Fatal(err)
	}
	idx, _ := NewMemoryIndex(2)
	err := idx.Load(path)
	if !errors.Is(err, ErrBadSnapshot) {
		t.Errorf("expected ErrBadSnapshot, got %v", err)
	}
}
