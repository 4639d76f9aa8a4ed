// Package storage persists publications, cached rerank judgments,
// per-run relevancy scores, and human relevance labels in SQLite.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for publications, the rerank
// cache, relevancy scores, and labels.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "paperwatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// hasColumn reports whether a table exposes the given column. Deployments
// migrate at different paces; callers use this to skip enrichment from
// convenience columns instead of erroring when they are absent.
func (s *Store) hasColumn(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// --- Publications (candidate store) ---

// SavePublication inserts or replaces a publication row.
func (s *Store) SavePublication(p Publication) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO publications
		(id, title, summary, raw_text, source, venue, url, published_date, heuristic_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Summary, p.RawText, p.Source, p.Venue, p.URL,
		p.PublishedAt.UTC().Format(time.RFC3339), p.HeuristicScore,
	)
	return err
}

// ListCandidates returns all publications published on or after the cutoff,
// newest first. The result is the candidate set for one ranking pass; the
// engine never writes through this path.
//
// When the centralized relevancy columns exist they are included; older
// schemas degrade to the base columns (enrichment is skipped, not fatal).
func (s *Store) ListCandidates(since time.Time) ([]Publication, error) {
	hasRelevancy := s.hasColumn("publications", "final_relevancy_score")

	cols := "id, title, summary, raw_text, source, venue, url, published_date, heuristic_score"
	if hasRelevancy {
		cols += ", final_relevancy_score, final_relevancy_reason, confidence, scoring_version, scoring_model, scoring_error"
	} else {
		slog.Warn("publications table missing centralized relevancy columns, skipping enrichment")
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM publications
		WHERE published_date >= ?
		ORDER BY published_date DESC`, cols),
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pubs []Publication
	for rows.Next() {
		var (
			p         Publication
			published string
			relScore  sql.NullFloat64
			relReason sql.NullString
			conf      sql.NullString
			ver       sql.NullString
			model     sql.NullString
			scoreErr  sql.NullString
		)
		dest := []any{
			&p.ID, &p.Title, &p.Summary, &p.RawText, &p.Source, &p.Venue, &p.URL,
			&published, &p.HeuristicScore,
		}
		if hasRelevancy {
			dest = append(dest, &relScore, &relReason, &conf, &ver, &model, &scoreErr)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, published)
		if err != nil {
			return nil, fmt.Errorf("parsing published_date: %w", err)
		}
		p.PublishedAt = t
		if relScore.Valid {
			v := relScore.Float64
			p.RelevancyScore = &v
		}
		p.RelevancyReason = relReason.String
		p.Confidence = conf.String
		p.ScoringVersion = ver.String
		p.ScoringModel = model.String
		p.ScoringError = scoreErr.String
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}

// SetFinalRelevancy writes the centralized relevancy columns for one
// publication. No-op with a warning when the columns are absent.
func (s *Store) SetFinalRelevancy(pubID string, rec RelevancyRecord) error {
	if !s.hasColumn("publications", "final_relevancy_score") {
		slog.Warn("cannot persist final relevancy, column missing", "pub_id", pubID)
		return nil
	}
	var score any
	if rec.Score != nil {
		score = *rec.Score
	}
	res, err := s.db.Exec(`
		UPDATE publications
		SET final_relevancy_score = ?, final_relevancy_reason = ?, confidence = ?,
		    scoring_version = ?, scoring_model = ?, scoring_error = ?
		WHERE id = ?`,
		score, rec.Reason, rec.Confidence, rec.ScoringVersion, rec.Model, rec.Error, pubID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Rerank cache ---

// CachedRerank returns cached rerank entries for the given pub ids under
// exactly the given version. Missing ids are simply absent from the map.
func (s *Store) CachedRerank(pubIDs []string, version string) (map[string]RerankEntry, error) {
	if len(pubIDs) == 0 {
		return map[string]RerankEntry{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(pubIDs)), ",")
	args := make([]any, 0, len(pubIDs)+1)
	for _, id := range pubIDs {
		args = append(args, id)
	}
	args = append(args, version)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT pub_id, model, model_score, model_rank, model_reason, model_why, model_findings, created_at
		FROM rerank_cache
		WHERE pub_id IN (%s) AND rerank_version = ?`, placeholders),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]RerankEntry)
	for rows.Next() {
		var (
			e         RerankEntry
			findings  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.PubID, &e.Model, &e.Score, &e.Rank, &e.Reason, &e.Why, &findings, &createdAt); err != nil {
			return nil, err
		}
		if findings.Valid && findings.String != "" {
			if err := json.Unmarshal([]byte(findings.String), &e.Findings); err != nil {
				slog.Warn("failed to parse cached findings", "pub_id", e.PubID, "error", err)
			}
		}
		if t, err := time.Parse(time.DateTime, createdAt); err == nil {
			e.CreatedAt = t
		}
		results[e.PubID] = e
	}
	return results, rows.Err()
}

// PutRerank upserts rerank entries under the given version with
// insert-or-replace semantics on the (pub_id, version) key. Entries without
// a pub id are skipped. Returns the number of entries stored.
func (s *Store) PutRerank(entries []RerankEntry, model, version string) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, e := range entries {
		if e.PubID == "" {
			slog.Warn("skipping rerank entry without pub id")
			continue
		}
		var findings any
		if len(e.Findings) > 0 {
			data, err := json.Marshal(e.Findings)
			if err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("encoding findings for %s: %w", e.PubID, err)
			}
			findings = string(data)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO rerank_cache
			(pub_id, rerank_version, model, model_score, model_rank, model_reason, model_why, model_findings)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.PubID, version, model, e.Score, e.Rank, e.Reason, e.Why, findings,
		); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("storing rerank entry %s: %w", e.PubID, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return stored, nil
}

// CacheStat summarizes one (version, model) slice of the rerank cache.
type CacheStat struct {
	Version string `json:"version"`
	Model   string `json:"model"`
	Entries int    `json:"entries"`
}

// RerankCacheStats returns entry counts per (version, model), newest
// version first.
func (s *Store) RerankCacheStats() ([]CacheStat, error) {
	rows, err := s.db.Query(`
		SELECT rerank_version, model, COUNT(*)
		FROM rerank_cache
		GROUP BY rerank_version, model
		ORDER BY rerank_version DESC, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []CacheStat
	for rows.Next() {
		var st CacheStat
		if err := rows.Scan(&st.Version, &st.Model, &st.Entries); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// PurgeRerank deletes cached judgments for one version, or all versions
// when version is empty. Returns the number of deleted entries.
func (s *Store) PurgeRerank(version string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if version == "" {
		res, err = s.db.Exec(`DELETE FROM rerank_cache`)
	} else {
		res, err = s.db.Exec(`DELETE FROM rerank_cache WHERE rerank_version = ?`, version)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Relevancy scores (per-run) ---

// RelevancyScoresForRun returns all relevancy records stored for a run,
// keyed by pub id. Used to hydrate the in-process run cache.
func (s *Store) RelevancyScoresForRun(runID string) (map[string]RelevancyRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, pub_id, score, reason, confidence, scoring_version, model, scored_at, error
		FROM relevancy_scores WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]RelevancyRecord)
	for rows.Next() {
		var (
			r        RelevancyRecord
			score    sql.NullFloat64
			scoredAt string
		)
		if err := rows.Scan(&r.RunID, &r.PubID, &score, &r.Reason, &r.Confidence,
			&r.ScoringVersion, &r.Model, &scoredAt, &r.Error); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			r.Score = &v
		}
		if t, err := time.Parse(time.DateTime, scoredAt); err == nil {
			r.ScoredAt = t
		}
		results[r.PubID] = r
	}
	return results, rows.Err()
}

// PutRelevancyScore upserts one per-run relevancy record. Concurrent
// writers touch distinct (run_id, pub_id) keys, so last-writer-wins at the
// single key is safe.
func (s *Store) PutRelevancyScore(r RelevancyRecord) error {
	var score any
	if r.Score != nil {
		score = *r.Score
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO relevancy_scores
		(run_id, pub_id, score, reason, confidence, scoring_version, model, scored_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.PubID, score, r.Reason, r.Confidence, r.ScoringVersion, r.Model,
		time.Now().UTC().Format(time.DateTime), r.Error,
	)
	return err
}

// --- Human labels ---

// SaveLabel inserts or replaces one human relevance judgment.
func (s *Store) SaveLabel(l Label) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO human_labels (pub_id, rater, rating, rationale, source)
		VALUES (?, ?, ?, ?, ?)`,
		l.PubID, l.Rater, l.Rating, l.Rationale, l.Source,
	)
	return err
}

// LabeledPair joins a publication's model score with its mean human rating.
type LabeledPair struct {
	PubID      string
	Title      string
	ModelScore float64
	MeanRating float64
	NumRaters  int
}

// LabeledPairs returns (model score, mean human rating) pairs for every
// labeled publication that has a centralized relevancy score. This is the
// input for calibration fitting and evaluation.
func (s *Store) LabeledPairs() ([]LabeledPair, error) {
	if !s.hasColumn("publications", "final_relevancy_score") {
		return nil, fmt.Errorf("publications table has no final_relevancy_score column")
	}

	rows, err := s.db.Query(`
		SELECT p.id, p.title, p.final_relevancy_score, AVG(l.rating), COUNT(l.rating)
		FROM publications p
		JOIN human_labels l ON l.pub_id = p.id
		WHERE p.final_relevancy_score IS NOT NULL
		GROUP BY p.id, p.title, p.final_relevancy_score`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []LabeledPair
	for rows.Next() {
		var p LabeledPair
		if err := rows.Scan(&p.PubID, &p.Title, &p.ModelScore, &p.MeanRating, &p.NumRaters); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
