package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the issues table using plainto_tsquery and ts_rank,
// with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "i.fts @@ " + tsQuery
	if q.Category != "" {
		where += fmt.Sprintf(" AND i.category = $%d", argN)
		args = append(args, q.Category)
		argN++
	}
	if q.Ward != "" {
		where += fmt.Sprintf(" AND i.ward = $%d", argN)
		args = append(args, q.Ward)
		argN++
	}
	if q.Status != "" {
		where += fmt.Sprintf(" AND i.status = $%d", argN)
		args = append(args, q.Status)
		argN++
	}

	base := fmt.Sprintf(`
		SELECT i.id, i.title,
			ts_headline('english', coalesce(i.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			i.category, i.ward, i.status,
			ts_rank(i.fts, %s) AS rank
		FROM issues i
		WHERE %s`, tsQuery, tsQuery, where)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", base)
	dataSQL := fmt.Sprintf(`SELECT id, title, snippet, category, ward, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, base, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Category, &r.Ward, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all issues for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, coalesce(description, ''), category, ward, status, coalesce(location, '')
		FROM issues
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	records := make([]IssueRecord, 0)
	for rows.Next() {
		var rec IssueRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Category, &rec.Ward, &rec.Status, &rec.Location); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return records, nil
}
