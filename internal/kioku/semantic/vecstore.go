package semantic

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// entry is one live document together with its unit-length vector. position
// is fixed when the entity first enters the collection and breaks score ties.
type entry struct {
	doc      Document
	vec      []float32
	position int64
}

// collection holds the live documents of one category, ordered by position.
type collection struct {
	entries []*entry
	byID    map[string]*entry
	nextPos int64
}

func newCollection() *collection {
	return &collection{byID: make(map[string]*entry)}
}

// plan works out where doc lands without touching c: an existing entity
// keeps its position, a new one takes the next. When window > 0 it also names
// the oldest entities that must leave to keep at most window live documents.
func (c *collection) plan(doc Document, vec []float32, window int) (*entry, []string) {
	e := &entry{doc: doc, vec: vec, position: c.nextPos}
	size := len(c.entries) + 1
	if old, ok := c.byID[doc.EntityID]; ok {
		e.position = old.position
		size--
	}
	var removed []string
	if window > 0 {
		for _, old := range c.entries {
			if size <= window {
				break
			}
			if old.doc.EntityID == doc.EntityID {
				continue
			}
			removed = append(removed, old.doc.EntityID)
			size--
		}
	}
	return e, removed
}

// apply installs a planned entry and drops the removed entities.
func (c *collection) apply(e *entry, removed []string) {
	if len(removed) > 0 {
		gone := make(map[string]bool, len(removed))
		for _, id := range removed {
			gone[id] = true
			delete(c.byID, id)
		}
		kept := c.entries[:0:0]
		for _, old := range c.entries {
			if !gone[old.doc.EntityID] {
				kept = append(kept, old)
			}
		}
		c.entries = kept
	}
	if _, ok := c.byID[e.doc.EntityID]; ok {
		// Entries are never mutated after they are installed, so readers
		// holding a snapshot of the slice stay consistent.
		entries := make([]*entry, len(c.entries))
		for i, old := range c.entries {
			if old.doc.EntityID == e.doc.EntityID {
				old = e
			}
			entries[i] = old
		}
		c.entries = entries
		c.byID[e.doc.EntityID] = e
		return
	}
	c.restore(e)
}

func (c *collection) restore(e *entry) {
	c.entries = append(c.entries, e)
	c.byID[e.doc.EntityID] = e
	if e.position >= c.nextPos {
		c.nextPos = e.position + 1
	}
}

// vectorStore persists collections in the index_vectors table.
type vectorStore struct {
	db  *sql.DB
	now func() time.Time
}

func (s *vectorStore) load(ctx context.Context) (map[Category]*collection, error) {
	cols := emptyCollections()
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, entity_id, doc_id, content, metadata, vector, dims, position
		FROM index_vectors
		ORDER BY category, position
	`)
	if err != nil {
		return nil, fmt.Errorf("semantic: load vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cat, metaJSON string
			blob          []byte
			dims          int
			e             entry
		)
		if err := rows.Scan(&cat, &e.doc.EntityID, &e.doc.ID, &e.doc.Text, &metaJSON, &blob, &dims, &e.position); err != nil {
			return nil, fmt.Errorf("semantic: scan vector row: %w", err)
		}
		e.doc.Category = Category(cat)
		if err := json.Unmarshal([]byte(metaJSON), &e.doc.Metadata); err != nil {
			return nil, fmt.Errorf("semantic: decode metadata of %s: %w", e.doc.ID, err)
		}
		e.vec, err = decodeVector(blob, dims)
		if err != nil {
			return nil, fmt.Errorf("semantic: decode vector of %s: %w", e.doc.ID, err)
		}
		col, ok := cols[e.doc.Category]
		if !ok {
			continue
		}
		col.restore(&e)
	}
	return cols, rows.Err()
}

func (s *vectorStore) upsert(ctx context.Context, e *entry, removed []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("semantic: begin upsert: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeEntry(ctx, tx, e); err != nil {
		return err
	}
	for _, id := range removed {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM index_vectors WHERE category = ? AND entity_id = ?`,
			string(e.doc.Category), id,
		); err != nil {
			return fmt.Errorf("semantic: drop trimmed vector %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// replaceAll swaps the persisted index for cols in one transaction.
func (s *vectorStore) replaceAll(ctx context.Context, cols map[Category]*collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("semantic: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_vectors`); err != nil {
		return fmt.Errorf("semantic: clear vectors: %w", err)
	}
	for _, cat := range Categories {
		for _, e := range cols[cat].entries {
			if err := s.writeEntry(ctx, tx, e); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *vectorStore) writeEntry(ctx context.Context, tx *sql.Tx, e *entry) error {
	meta, err := json.Marshal(e.doc.Metadata)
	if err != nil {
		return fmt.Errorf("semantic: encode metadata of %s: %w", e.doc.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO index_vectors (category, entity_id, doc_id, content, metadata, vector, dims, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, entity_id) DO UPDATE SET
			doc_id = excluded.doc_id,
			content = excluded.content,
			metadata = excluded.metadata,
			vector = excluded.vector,
			dims = excluded.dims,
			updated_at = excluded.updated_at
	`,
		string(e.doc.Category), e.doc.EntityID, e.doc.ID, e.doc.Text, string(meta),
		encodeVector(e.vec), len(e.vec), e.position, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("semantic: write vector %s: %w", e.doc.ID, err)
	}
	return nil
}

func emptyCollections() map[Category]*collection {
	cols := make(map[Category]*collection, len(Categories))
	for _, cat := range Categories {
		cols[cat] = newCollection()
	}
	return cols
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte, dims int) ([]float32, error) {
	if len(b) != 4*dims {
		return nil, fmt.Errorf("blob holds %d bytes, want %d", len(b), 4*dims)
	}
	v := make([]float32, dims)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// normalize returns v scaled to unit length, or nil for a zero vector.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// similarity is the cosine of two unit vectors clamped to [0,1]: opposite
// and orthogonal texts both score 0.
func similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return math.Max(0, math.Min(1, dot))
}

// Result is one ranked search hit.
type Result struct {
	EntityID   string         `json:"entity_id"`
	DocumentID string         `json:"document_id"`
	Category   Category       `json:"category"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}

// rank scores every entry against q and returns the best limit hits.
// sort.SliceStable keeps position order among equal scores; there is no
// secondary key.
func rank(entries []*entry, q []float32, limit int, floor float64, exclude string) []Result {
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		if e.doc.EntityID == exclude {
			continue
		}
		score := similarity(q, e.vec)
		if score < floor {
			continue
		}
		results = append(results, Result{
			EntityID:   e.doc.EntityID,
			DocumentID: e.doc.ID,
			Category:   e.doc.Category,
			Score:      score,
			Text:       e.doc.Text,
			Metadata:   e.doc.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func sortPatterns(p []Pattern) {
	sort.SliceStable(p, func(i, j int) bool {
		return p[i].Similarity > p[j].Similarity
	})
}
