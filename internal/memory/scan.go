package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/ShayCichocki/colony/internal/sqlitedb"
)

type scored struct {
	Record
	vector []float32
}

func fillRecord(r *Record, tags, createdAt string) error {
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return fmt.Errorf("decode tags: %w", err)
		}
	}
	t, err := sqlitedb.ParseTime(createdAt)
	if err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	r.CreatedAt = t
	return nil
}

func scanRecords(rows *sql.Rows, withVector bool) ([]Record, error) {
	recs, err := scanScored(rows, withVector)
	if err != nil {
		return nil, err
	}
	return toRecords(recs), nil
}

// scanScored reads rows; when withVector is set the last column is the embedding.
func scanScored(rows *sql.Rows, withVector bool) ([]scored, error) {
	var out []scored
	for rows.Next() {
		var s scored
		var tags, createdAt string
		dest := []any{&s.ID, &s.Agent, &s.Type, &s.Content, &tags, &s.SessionID, &createdAt}
		var emb sql.NullString
		if withVector {
			dest = append(dest, &emb)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := fillRecord(&s.Record, tags, createdAt); err != nil {
			return nil, err
		}
		if emb.Valid {
			if err := json.Unmarshal([]byte(emb.String), &s.vector); err != nil {
				return nil, fmt.Errorf("decode embedding: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func toRecords(in []scored) []Record {
	out := make([]Record, len(in))
	for i := range in {
		out[i] = in[i].Record
	}
	return out
}

func sortByScore(recs []scored) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
