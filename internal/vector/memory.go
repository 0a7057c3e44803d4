package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hyperjump/arbiter/pkg/utils"
)

// snapshotMagic opens every saved index file.
const snapshotMagic = "ARBV"

// ErrBadSnapshot means a file is not a vector index snapshot.
var ErrBadSnapshot = errors.New("not a vector index snapshot")

// MemoryIndex is an in-memory vector index using brute-force cosine search.
// Vectors are normalized on insert so search is a plain inner product.
type MemoryIndex struct {
	dimensions int
	ids        []string
	vectors    [][]float32
	pos        map[string]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		pos:        make(map[string]int),
	}, nil
}

// Dimensions returns the vector width.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

func (m *MemoryIndex) unit(v []float32) ([]float32, error) {
	if len(v) != m.dimensions {
		return nil, fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(v), m.dimensions)
	}
	out := slices.Clone(v)
	utils.NormalizeL2(out)
	return out, nil
}

// Add inserts vectors, replacing any existing vector with the same id. Nothing is
// inserted when any vector has the wrong width.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	units := make([][]float32, len(vectors))
	for i, v := range vectors {
		u, err := m.unit(v)
		if err != nil {
			return err
		}
		units[i] = u
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		if p, ok := m.pos[id]; ok {
			m.vectors[p] = units[i]
			continue
		}
		m.pos[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, units[i])
	}
	return nil
}

// Search returns the top-k vectors admitted by filter, ordered by similarity then id.
// Scores are cosine similarity clamped to [0,1].
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	q, err := m.unit(query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	hits := make([]*VectorResult, 0, len(m.ids))
	for i, vec := range m.vectors {
		id := m.ids[i]
		if filter != nil && !filter(id) {
			continue
		}
		hits = append(hits, &VectorResult{ID: id, Score: utils.Clamp01(dot(q, vec))})
	}
	slices.SortFunc(hits, func(a, b *VectorResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Remove deletes vectors by id. Unknown ids are ignored. The last vector takes the
// removed slot, so insertion order is not preserved.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		p, ok := m.pos[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		if p != last {
			m.ids[p], m.vectors[p] = m.ids[last], m.vectors[last]
			m.pos[m.ids[p]] = p
		}
		m.ids, m.vectors = m.ids[:last], m.vectors[:last]
		delete(m.pos, id)
	}
	return nil
}

// Save writes a snapshot to path through a temp file and rename, creating the directory
// if needed. Layout (little endian): magic, dimension u32, count u32, then per vector
// id length u32, id bytes, dimension float32s.
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	m.mu.RLock()
	err = m.writeTo(w)
	m.mu.RUnlock()
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write index file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *MemoryIndex) writeTo(w io.Writer) error {
	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return err
	}
	header := []uint32{uint32(m.dimensions), uint32(len(m.ids))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	for i, id := range m.ids {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(id))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, m.vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the contents with the snapshot at path. A missing file is not an error
// and leaves the index unchanged; a snapshot of another dimension is rejected.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("%s: %w", path, ErrBadSnapshot)
	}
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	dim, n := int(header[0]), int(header[1])
	if dim != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}

	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	pos := make(map[string]int, n)
	for i := 0; i < n; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("read id length: %w", err)
		}
		if idLen > math.MaxUint16 {
			return fmt.Errorf("%s: id length %d: %w", path, idLen, ErrBadSnapshot)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		pos[string(id)] = len(ids)
		ids = append(ids, string(id))
		vectors = append(vectors, vec)
	}

	m.mu.Lock()
	m.ids, m.vectors, m.pos = ids, vectors, pos
	m.mu.Unlock()
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
