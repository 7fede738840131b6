package vecstore

import (
	"bufio"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// HNSW parameters. M and EfSearch follow the coder/hnsw recommendations
// for small-to-medium corpora.
const (
	hnswM        = 16
	hnswEfSearch = 20
)

// vectorIndex is an in-memory HNSW graph over string-keyed vectors,
// persisted to one file per table. Deletion is lazy: removed ids drop out
// of the key mapping and are filtered on read, because coder/hnsw breaks
// when the last node is deleted from the graph.
type vectorIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	dims    int
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	closed  bool
}

// vectorHit is one nearest-neighbor result.
type vectorHit struct {
	ID       string
	Distance float64
}

// vectorMeta is the gob-persisted id mapping.
type vectorMeta struct {
	IDMap   map[string]uint64
	NextKey uint64
	Dims    int
}

// newVectorIndex creates an empty cosine-metric graph.
func newVectorIndex(dims int) *vectorIndex {
	return &vectorIndex{
		graph:  newGraph(),
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = hnswM
	g.EfSearch = hnswEfSearch
	g.Ml = 0.25
	return g
}

// add inserts or replaces vectors. Vectors must already be normalized and
// match the index width.
func (v *vectorIndex) add(ids []string, vectors [][]float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return errors.New(errors.ErrCodeInternal, "vector index is closed", nil)
	}

	for i, id := range ids {
		vec := vectors[i]
		if len(vec) != v.dims {
			return errors.Newf(errors.ErrCodeDimensionMismatch,
				"vector width %d, index expects %d", len(vec), v.dims)
		}

		// Replacing an id orphans the old graph node.
		if oldKey, ok := v.idMap[id]; ok {
			delete(v.keyMap, oldKey)
			delete(v.idMap, id)
		}

		key := v.nextKey
		v.nextKey++
		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[id] = key
		v.keyMap[key] = id
	}
	return nil
}

// search returns up to k nearest neighbors by cosine distance, skipping
// lazily deleted nodes.
func (v *vectorIndex) search(query []float32, k int) ([]vectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, errors.New(errors.ErrCodeInternal, "vector index is closed", nil)
	}
	if len(query) != v.dims {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"query width %d, index expects %d", len(query), v.dims)
	}
	if v.graph.Len() == 0 {
		return []vectorHit{}, nil
	}

	nodes := v.graph.Search(query, k)
	hits := make([]vectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := v.keyMap[node.Key]
		if !ok {
			continue
		}
		hits = append(hits, vectorHit{
			ID:       id,
			Distance: float64(v.graph.Distance(query, node.Value)),
		})
	}
	return hits, nil
}

// remove drops ids from the mapping (lazy graph deletion).
func (v *vectorIndex) remove(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		if key, ok := v.idMap[id]; ok {
			delete(v.keyMap, key)
			delete(v.idMap, id)
		}
	}
}

// contains reports whether id has an active vector.
func (v *vectorIndex) contains(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.idMap[id]
	return ok
}

// count returns the number of active vectors.
func (v *vectorIndex) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// reset replaces the graph with a freshly built one. Used by Optimize to
// drop orphaned nodes accumulated through lazy deletion.
func (v *vectorIndex) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.graph = newGraph()
	v.idMap = make(map[string]uint64)
	v.keyMap = make(map[uint64]string)
	v.nextKey = 0
}

// save persists the graph and id mapping atomically (temp file + rename).
func (v *vectorIndex) save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return errors.New(errors.ErrCodeInternal, "vector index is closed", nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "create vector dir")
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "create vector file")
	}
	if err := v.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return errors.Wrapf(errors.ErrCodeInternal, err, "export vector graph")
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "close vector file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "rename vector file")
	}

	return v.saveMeta(path + ".meta")
}

func (v *vectorIndex) saveMeta(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "create vector meta")
	}
	meta := vectorMeta{IDMap: v.idMap, NextKey: v.nextKey, Dims: v.dims}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return errors.Wrapf(errors.ErrCodeInternal, err, "encode vector meta")
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "close vector meta")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "rename vector meta")
	}
	return nil
}

// load restores a persisted graph. A missing file leaves the index empty.
func (v *vectorIndex) load(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	metaFile, err := os.Open(path + ".meta")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "open vector meta")
	}
	defer func() { _ = metaFile.Close() }()

	var meta vectorMeta
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return errors.Wrapf(errors.ErrCodeIndexCorrupt, err, "decode vector meta")
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "open vector file")
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import requires an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(file)); err != nil {
		return errors.Wrapf(errors.ErrCodeIndexCorrupt, err, "import vector graph")
	}

	v.idMap = meta.IDMap
	v.nextKey = meta.NextKey
	if meta.Dims > 0 {
		v.dims = meta.Dims
	}
	v.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		v.keyMap[key] = id
	}
	return nil
}

// close releases the graph.
func (v *vectorIndex) close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}
