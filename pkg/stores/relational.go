package stores

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
)

// RelationalStore serves keyword lookups from curated SQL tables
// (deadlines, fees, responsible authorities). Each configured table maps
// to an ordering key used to rank its rows.
type RelationalStore struct {
	db     *sql.DB
	driver string
	tables map[string]string
}

func NewRelationalStore(cfg config.RelationalStoreConfig) (*RelationalStore, error) {
	driverName, err := sqlDriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	return &RelationalStore{
		db:     db,
		driver: cfg.Driver,
		tables: cfg.Tables,
	}, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "postgres", nil
	case "sqlite":
		return "sqlite3", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown relational driver %q", driver)
	}
}

func (s *RelationalStore) Origin() model.Origin { return model.OriginRelational }

func (s *RelationalStore) Close() error { return s.db.Close() }

func (s *RelationalStore) Search(ctx context.Context, query model.Query, intent model.Intent, limit int) ([]model.Source, error) {
	terms := searchTerms(query.Text, intent)
	if len(terms) == 0 || len(s.tables) == 0 {
		return nil, nil
	}

	// Stable table order keeps row ranks deterministic across runs.
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make([]model.Source, 0, limit)
	for _, table := range names {
		if len(sources) >= limit {
			break
		}
		rows, err := s.queryTable(ctx, table, s.tables[table], terms, limit-len(sources))
		if err != nil {
			return nil, newStoreError(model.OriginRelational, "search",
				httpclient.CategoryInternal, fmt.Sprintf("query on table %s failed", table), err)
		}
		sources = append(sources, rows...)
	}

	for i := range sources {
		rank := i + 1
		sources[i].Scores.RelationalRank = &rank
	}
	return sources, nil
}

func (s *RelationalStore) queryTable(ctx context.Context, table, orderKey string, terms []string, limit int) ([]model.Source, error) {
	var where []string
	var args []any
	for _, term := range terms {
		where = append(where, "(content LIKE ? OR title LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}

	// Table and ordering key come from configuration, never from the
	// query; only the search terms are bound as parameters.
	q := fmt.Sprintf("SELECT id, title, content FROM %s WHERE %s ORDER BY %s DESC LIMIT ?",
		table, strings.Join(where, " OR "), orderKey)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var id, title, content string
		if err := rows.Scan(&id, &title, &content); err != nil {
			return nil, err
		}
		out = append(out, model.Source{
			Origin:  model.OriginRelational,
			Key:     table + ":" + id,
			Content: content,
			Metadata: map[string]any{
				"title": title,
				"table": table,
			},
		})
	}
	return out, rows.Err()
}

// rebind converts ? placeholders to the $n style when talking to postgres.
func (s *RelationalStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// searchTerms extracts the lookup terms for the SQL predicates: classified
// entities and locations first, then the longer words of the query itself.
func searchTerms(text string, intent model.Intent) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if len(t) < 3 {
			return
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		terms = append(terms, t)
	}

	for _, e := range intent.Entities {
		add(e)
	}
	for _, l := range intent.Locations {
		add(l)
	}
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len([]rune(w)) >= 5 {
			add(w)
		}
	}

	if len(terms) > 8 {
		terms = terms[:8]
	}
	return terms
}
