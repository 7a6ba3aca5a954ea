package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/yoga-protocol-server/internal/domain"
)

// SQLiteStore implements domain.RecordStore over an embedded SQLite file.
// It backs lite deployments and tests that should not require a Postgres
// instance.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger

	// writeMu serializes evidence-count writes; SQLite has no row locks.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database file and ensures the schema.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, log: logger}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conditions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		condition_id INTEGER NOT NULL REFERENCES conditions(id) ON DELETE CASCADE,
		developed_by TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS citations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		full_reference TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS practices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sanskrit_name TEXT NOT NULL DEFAULT '',
		english_name TEXT NOT NULL,
		category TEXT NOT NULL,
		sub_category TEXT NOT NULL DEFAULT '',
		kosha TEXT NOT NULL DEFAULT '',
		rounds INTEGER,
		time_minutes REAL,
		strokes_per_min INTEGER,
		rest_seconds INTEGER,
		variations TEXT NOT NULL DEFAULT '[]',
		steps TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		evidence_count INTEGER NOT NULL DEFAULT 0 CHECK (evidence_count >= 0),
		cvr_score REAL,
		citation_id INTEGER REFERENCES citations(id) ON DELETE SET NULL,
		module_id INTEGER REFERENCES modules(id) ON DELETE SET NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS condition_practices (
		condition_id INTEGER NOT NULL REFERENCES conditions(id) ON DELETE CASCADE,
		practice_id INTEGER NOT NULL REFERENCES practices(id) ON DELETE CASCADE,
		PRIMARY KEY (condition_id, practice_id)
	);

	CREATE TABLE IF NOT EXISTS combinations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS combination_conditions (
		combination_id INTEGER NOT NULL REFERENCES combinations(id) ON DELETE CASCADE,
		condition_id INTEGER NOT NULL REFERENCES conditions(id) ON DELETE CASCADE,
		PRIMARY KEY (combination_id, condition_id)
	);

	CREATE TABLE IF NOT EXISTS exclusion_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		combination_id INTEGER NOT NULL REFERENCES combinations(id) ON DELETE CASCADE,
		sanskrit_name TEXT NOT NULL DEFAULT '',
		english_name TEXT NOT NULL,
		category TEXT NOT NULL,
		sub_category TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		sample_size INTEGER NOT NULL DEFAULT 0,
		age_range TEXT NOT NULL DEFAULT '',
		population TEXT NOT NULL DEFAULT '',
		intervention TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trial_conditions (
		trial_id INTEGER NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
		condition_id INTEGER NOT NULL REFERENCES conditions(id) ON DELETE CASCADE,
		PRIMARY KEY (trial_id, condition_id)
	);

	CREATE TABLE IF NOT EXISTS trial_references (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trial_id INTEGER NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
		condition_id INTEGER NOT NULL REFERENCES conditions(id) ON DELETE CASCADE,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trial_symptoms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trial_id INTEGER NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
		symptom TEXT NOT NULL,
		p_value REAL NOT NULL,
		operator TEXT NOT NULL,
		is_significant INTEGER NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_practices_english_name ON practices(english_name);
	CREATE INDEX IF NOT EXISTS idx_condition_practices_practice ON condition_practices(practice_id);
	CREATE INDEX IF NOT EXISTS idx_exclusion_rules_combination ON exclusion_rules(combination_id);
	CREATE INDEX IF NOT EXISTS idx_trial_conditions_condition ON trial_conditions(condition_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqlitePracticeColumns = `
	p.id, p.sanskrit_name, p.english_name, p.category, p.sub_category, p.kosha,
	p.rounds, p.time_minutes, p.strokes_per_min, p.rest_seconds,
	p.variations, p.steps, p.description, p.evidence_count, p.cvr_score,
	p.citation_id, p.module_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLitePractice(row rowScanner) (domain.Practice, error) {
	var p domain.Practice
	var variations, steps []byte

	err := row.Scan(
		&p.ID, &p.SanskritName, &p.EnglishName, &p.Category, &p.SubCategory, &p.Kosha,
		&p.Rounds, &p.TimeMinutes, &p.StrokesPerMin, &p.RestSeconds,
		&variations, &steps, &p.Description, &p.EvidenceCount, &p.CVRScore,
		&p.CitationID, &p.ModuleID,
	)
	if err != nil {
		return p, err
	}

	if len(variations) > 0 {
		if err := json.Unmarshal(variations, &p.Variations); err != nil {
			return p, fmt.Errorf("decoding variations for practice %d: %w", p.ID, err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &p.Steps); err != nil {
			return p, fmt.Errorf("decoding steps for practice %d: %w", p.ID, err)
		}
	}
	return p, nil
}

// ListConditions returns every condition record ordered by id.
func (s *SQLiteStore) ListConditions(ctx context.Context) ([]domain.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM conditions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		var c domain.Condition
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scanning condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PracticesForCondition returns the practices linked to a condition.
func (s *SQLiteStore) PracticesForCondition(ctx context.Context, conditionID int64) ([]domain.ConditionPractice, error) {
	cond, err := s.getCondition(ctx, conditionID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + sqlitePracticeColumns + `
		FROM practices p
		JOIN condition_practices cp ON cp.practice_id = p.id
		WHERE cp.condition_id = ?
		ORDER BY p.id`

	rows, err := s.db.QueryContext(ctx, query, conditionID)
	if err != nil {
		return nil, fmt.Errorf("loading practices for condition %d: %w", conditionID, err)
	}
	defer rows.Close()

	var out []domain.ConditionPractice
	for rows.Next() {
		p, err := scanSQLitePractice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning practice: %w", err)
		}
		out = append(out, domain.ConditionPractice{Practice: p, Condition: *cond})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.attachModuleAndCitation(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) getCondition(ctx context.Context, conditionID int64) (*domain.Condition, error) {
	var c domain.Condition
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM conditions WHERE id = ?`, conditionID,
	).Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("condition %d: %w", conditionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading condition %d: %w", conditionID, err)
	}
	return &c, nil
}

func (s *SQLiteStore) attachModuleAndCitation(ctx context.Context, rec *domain.ConditionPractice) error {
	if rec.ModuleID != nil {
		var m domain.Module
		err := s.db.QueryRowContext(ctx,
			`SELECT id, condition_id, developed_by, description FROM modules WHERE id = ?`, *rec.ModuleID,
		).Scan(&m.ID, &m.ConditionID, &m.DevelopedBy, &m.Description)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loading module %d: %w", *rec.ModuleID, err)
		}
		if err == nil {
			rec.Module = &m
		}
	}
	if rec.CitationID != nil {
		var c domain.Citation
		err := s.db.QueryRowContext(ctx,
			`SELECT id, text, type, full_reference, url FROM citations WHERE id = ?`, *rec.CitationID,
		).Scan(&c.ID, &c.Text, &c.Type, &c.FullReference, &c.URL)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loading citation %d: %w", *rec.CitationID, err)
		}
		if err == nil {
			rec.Citation = &c
		}
	}
	return nil
}

// ConditionsForPractice returns the conditions a practice is linked to.
func (s *SQLiteStore) ConditionsForPractice(ctx context.Context, practiceID int64) ([]domain.Condition, error) {
	query := `
		SELECT c.id, c.name, c.description
		FROM conditions c
		JOIN condition_practices cp ON cp.condition_id = c.id
		WHERE cp.practice_id = ?
		ORDER BY c.id`

	rows, err := s.db.QueryContext(ctx, query, practiceID)
	if err != nil {
		return nil, fmt.Errorf("loading conditions for practice %d: %w", practiceID, err)
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		var c domain.Condition
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scanning condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPractices returns every practice record ordered by id.
func (s *SQLiteStore) ListPractices(ctx context.Context) ([]domain.Practice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePracticeColumns+` FROM practices p ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("listing practices: %w", err)
	}
	defer rows.Close()

	var out []domain.Practice
	for rows.Next() {
		p, err := scanSQLitePractice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning practice: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPractice returns one practice record, or domain.ErrNotFound.
func (s *SQLiteStore) GetPractice(ctx context.Context, practiceID int64) (*domain.Practice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePracticeColumns+` FROM practices p WHERE p.id = ?`, practiceID)
	p, err := scanSQLitePractice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("practice %d: %w", practiceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading practice %d: %w", practiceID, err)
	}
	return &p, nil
}

// ModuleForCondition returns the source protocol module of a condition.
func (s *SQLiteStore) ModuleForCondition(ctx context.Context, conditionID int64) (*domain.Module, error) {
	var m domain.Module
	err := s.db.QueryRowContext(ctx,
		`SELECT id, condition_id, developed_by, description FROM modules WHERE condition_id = ? ORDER BY id LIMIT 1`,
		conditionID,
	).Scan(&m.ID, &m.ConditionID, &m.DevelopedBy, &m.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("module for condition %d: %w", conditionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading module for condition %d: %w", conditionID, err)
	}
	return &m, nil
}

// CombinationByKey looks up a combination row by its canonical key.
func (s *SQLiteStore) CombinationByKey(ctx context.Context, key string) (*domain.Combination, error) {
	var c domain.Combination
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key FROM combinations WHERE key = ?`, key,
	).Scan(&c.ID, &c.Name, &c.Key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("combination %q: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading combination %q: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT condition_id FROM combination_conditions WHERE combination_id = ? ORDER BY condition_id`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("loading members of combination %d: %w", c.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning combination member: %w", err)
		}
		c.ConditionIDs = append(c.ConditionIDs, id)
	}
	return &c, rows.Err()
}

// RulesForCombination returns the exclusion rules scoped to a combination.
func (s *SQLiteStore) RulesForCombination(ctx context.Context, combinationID int64) ([]domain.ExclusionRule, error) {
	query := `
		SELECT id, combination_id, sanskrit_name, english_name, category, sub_category, reason, source
		FROM exclusion_rules
		WHERE combination_id = ?
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, combinationID)
	if err != nil {
		return nil, fmt.Errorf("loading rules for combination %d: %w", combinationID, err)
	}
	defer rows.Close()

	var out []domain.ExclusionRule
	for rows.Next() {
		var r domain.ExclusionRule
		err := rows.Scan(&r.ID, &r.CombinationID, &r.SanskritName, &r.EnglishName,
			&r.Category, &r.SubCategory, &r.Reason, &r.Source)
		if err != nil {
			return nil, fmt.Errorf("scanning exclusion rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrialsForCondition returns the trials linked to a condition.
func (s *SQLiteStore) TrialsForCondition(ctx context.Context, conditionID int64) ([]domain.Trial, error) {
	query := `
		SELECT t.id, t.title, t.sample_size, t.age_range, t.population, t.intervention
		FROM trials t
		JOIN trial_conditions tc ON tc.trial_id = t.id
		WHERE tc.condition_id = ?
		ORDER BY t.id`

	rows, err := s.db.QueryContext(ctx, query, conditionID)
	if err != nil {
		return nil, fmt.Errorf("loading trials for condition %d: %w", conditionID, err)
	}
	defer rows.Close()

	var out []domain.Trial
	for rows.Next() {
		var t domain.Trial
		if err := rows.Scan(&t.ID, &t.Title, &t.SampleSize, &t.AgeRange, &t.Population, &t.Intervention); err != nil {
			return nil, fmt.Errorf("scanning trial: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.loadTrialDetails(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadTrialDetails(ctx context.Context, t *domain.Trial) error {
	condRows, err := s.db.QueryContext(ctx,
		`SELECT condition_id FROM trial_conditions WHERE trial_id = ? ORDER BY condition_id`, t.ID)
	if err != nil {
		return fmt.Errorf("loading conditions of trial %d: %w", t.ID, err)
	}
	defer condRows.Close()
	for condRows.Next() {
		var id int64
		if err := condRows.Scan(&id); err != nil {
			return fmt.Errorf("scanning trial condition: %w", err)
		}
		t.ConditionIDs = append(t.ConditionIDs, id)
	}
	if err := condRows.Err(); err != nil {
		return err
	}

	refRows, err := s.db.QueryContext(ctx,
		`SELECT condition_id, name FROM trial_references WHERE trial_id = ? ORDER BY id`, t.ID)
	if err != nil {
		return fmt.Errorf("loading references of trial %d: %w", t.ID, err)
	}
	defer refRows.Close()
	for refRows.Next() {
		var ref domain.TrialReference
		if err := refRows.Scan(&ref.ConditionID, &ref.Name); err != nil {
			return fmt.Errorf("scanning trial reference: %w", err)
		}
		t.References = append(t.References, ref)
	}
	if err := refRows.Err(); err != nil {
		return err
	}

	symRows, err := s.db.QueryContext(ctx,
		`SELECT symptom, p_value, operator, is_significant, needs_review FROM trial_symptoms WHERE trial_id = ? ORDER BY id`, t.ID)
	if err != nil {
		return fmt.Errorf("loading symptoms of trial %d: %w", t.ID, err)
	}
	defer symRows.Close()
	for symRows.Next() {
		var sm domain.SymptomMeasure
		if err := symRows.Scan(&sm.Symptom, &sm.PValue, &sm.Operator, &sm.Significant, &sm.NeedsReview); err != nil {
			return fmt.Errorf("scanning trial symptom: %w", err)
		}
		t.Symptoms = append(t.Symptoms, sm)
	}
	return symRows.Err()
}

// SetEvidenceCount overwrites a practice's evidence count.
func (s *SQLiteStore) SetEvidenceCount(ctx context.Context, practiceID int64, count int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE practices SET evidence_count = ? WHERE id = ?`, count, practiceID)
	if err != nil {
		return fmt.Errorf("setting evidence count for practice %d: %w", practiceID, err)
	}
	return requireRow(res, practiceID)
}

// AdjustEvidenceCount adds delta to a practice's evidence count, flooring at
// zero. The writer mutex serializes concurrent adjustments.
func (s *SQLiteStore) AdjustEvidenceCount(ctx context.Context, practiceID int64, delta int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE practices SET evidence_count = MAX(evidence_count + ?, 0) WHERE id = ?`,
		delta, practiceID)
	if err != nil {
		return fmt.Errorf("adjusting evidence count for practice %d: %w", practiceID, err)
	}
	if err := requireRow(res, practiceID); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"practice": practiceID,
		"delta":    delta,
	}).Debug("Evidence count adjusted")
	return nil
}

func requireRow(res sql.Result, practiceID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("practice %d: %w", practiceID, domain.ErrNotFound)
	}
	return nil
}
