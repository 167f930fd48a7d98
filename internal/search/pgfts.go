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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across content_items and published
// story_mergers using plainto_tsquery and ts_rank, with ts_headline for
// snippets.
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

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultContent {
		contentWhere := "c.fts @@ " + tsQuery
		if q.ExcludeAuthorID != "" {
			contentWhere += fmt.Sprintf(" AND c.author_id <> $%d", argN)
			args = append(args, q.ExcludeAuthorID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'content'::text AS type, c.id, ''::text AS title,
				ts_headline('english', coalesce(c.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.author_id, c.posted_at,
				ts_rank(c.fts, %s) AS rank
			FROM content_items c
			WHERE %s`, tsQuery, tsQuery, contentWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultStory {
		storyWhere := "to_tsvector('english', m.event_title) @@ " + tsQuery
		if q.ExcludeAuthorID != "" {
			storyWhere += fmt.Sprintf(" AND m.initiator_id <> $%d", argN)
			args = append(args, q.ExcludeAuthorID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'story'::text AS type, m.id, m.event_title AS title,
				''::text AS snippet,
				m.initiator_id, m.published_at,
				ts_rank(to_tsvector('english', m.event_title), %s) AS rank
			FROM story_mergers m
			WHERE m.is_published AND %s`, tsQuery, storyWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, author_id, posted_at
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

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
		var typ string
		var postedAt sql.NullTime
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.AuthorID, &postedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		if postedAt.Valid {
			r.PostedAt = postedAt.Time
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ContentRecord, []StoryRecord, error) {
	contentRows, err := p.db.QueryContext(ctx, `
		SELECT id, author_id, body, posted_at::text
		FROM content_items
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load content: %w", err)
	}
	defer contentRows.Close()

	contents := make([]ContentRecord, 0)
	for contentRows.Next() {
		var c ContentRecord
		if err := contentRows.Scan(&c.ID, &c.AuthorID, &c.Body, &c.PostedAt); err != nil {
			return nil, nil, fmt.Errorf("scan content: %w", err)
		}
		contents = append(contents, c)
	}
	if err := contentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate content: %w", err)
	}

	storyRows, err := p.db.QueryContext(ctx, `
		SELECT id, event_title, initiator_id, COALESCE(published_at::text, '')
		FROM story_mergers
		WHERE is_published
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load stories: %w", err)
	}
	defer storyRows.Close()

	stories := make([]StoryRecord, 0)
	for storyRows.Next() {
		var s StoryRecord
		if err := storyRows.Scan(&s.ID, &s.Title, &s.InitiatorID, &s.PublishedAt); err != nil {
			return nil, nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, s)
	}
	if err := storyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate stories: %w", err)
	}

	return contents, stories, nil
}
