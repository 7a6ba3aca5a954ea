package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
)

// PostgresStore implements domain.RecordStore over a pgx connection pool.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresStore creates a Postgres-backed record store.
func NewPostgresStore(db *pgxpool.Pool, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger,
	}
}

const practiceColumns = `
	p.id, p.sanskrit_name, p.english_name, p.category, p.sub_category, p.kosha,
	p.rounds, p.time_minutes, p.strokes_per_min, p.rest_seconds,
	p.variations, p.steps, p.description, p.evidence_count, p.cvr_score,
	p.citation_id, p.module_id, p.created_at`

func scanPractice(row pgx.Row) (domain.Practice, error) {
	var p domain.Practice
	var variations, steps []byte

	err := row.Scan(
		&p.ID, &p.SanskritName, &p.EnglishName, &p.Category, &p.SubCategory, &p.Kosha,
		&p.Rounds, &p.TimeMinutes, &p.StrokesPerMin, &p.RestSeconds,
		&variations, &steps, &p.Description, &p.EvidenceCount, &p.CVRScore,
		&p.CitationID, &p.ModuleID, &p.CreatedAt,
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
func (s *PostgresStore) ListConditions(ctx context.Context) ([]domain.Condition, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, description FROM conditions ORDER BY id`)
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

// PracticesForCondition returns the practices linked to a condition with
// their module and citation rows attached.
func (s *PostgresStore) PracticesForCondition(ctx context.Context, conditionID int64) ([]domain.ConditionPractice, error) {
	query := `
		SELECT ` + practiceColumns + `,
			c.id, c.name, c.description,
			m.id, m.condition_id, m.developed_by, m.description,
			ci.id, ci.text, ci.type, ci.full_reference, ci.url
		FROM practices p
		JOIN condition_practices cp ON cp.practice_id = p.id
		JOIN conditions c ON c.id = cp.condition_id
		LEFT JOIN modules m ON m.id = p.module_id
		LEFT JOIN citations ci ON ci.id = p.citation_id
		WHERE cp.condition_id = $1
		ORDER BY p.id`

	rows, err := s.db.Query(ctx, query, conditionID)
	if err != nil {
		return nil, fmt.Errorf("loading practices for condition %d: %w", conditionID, err)
	}
	defer rows.Close()

	var out []domain.ConditionPractice
	for rows.Next() {
		var rec domain.ConditionPractice
		var variations, steps []byte
		var modID, modCondID *int64
		var modBy, modDesc *string
		var citID *int64
		var citText, citType, citRef, citURL *string

		err := rows.Scan(
			&rec.ID, &rec.SanskritName, &rec.EnglishName, &rec.Category, &rec.SubCategory, &rec.Kosha,
			&rec.Rounds, &rec.TimeMinutes, &rec.StrokesPerMin, &rec.RestSeconds,
			&variations, &steps, &rec.Description, &rec.EvidenceCount, &rec.CVRScore,
			&rec.CitationID, &rec.ModuleID, &rec.CreatedAt,
			&rec.Condition.ID, &rec.Condition.Name, &rec.Condition.Description,
			&modID, &modCondID, &modBy, &modDesc,
			&citID, &citText, &citType, &citRef, &citURL,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning practice row: %w", err)
		}

		if len(variations) > 0 {
			if err := json.Unmarshal(variations, &rec.Variations); err != nil {
				return nil, fmt.Errorf("decoding variations for practice %d: %w", rec.ID, err)
			}
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &rec.Steps); err != nil {
				return nil, fmt.Errorf("decoding steps for practice %d: %w", rec.ID, err)
			}
		}
		if modID != nil {
			rec.Module = &domain.Module{ID: *modID, ConditionID: *modCondID, DevelopedBy: *modBy, Description: *modDesc}
		}
		if citID != nil {
			rec.Citation = &domain.Citation{ID: *citID, Text: *citText, Type: *citType, FullReference: *citRef, URL: *citURL}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ConditionsForPractice returns the conditions a practice is linked to.
func (s *PostgresStore) ConditionsForPractice(ctx context.Context, practiceID int64) ([]domain.Condition, error) {
	query := `
		SELECT c.id, c.name, c.description
		FROM conditions c
		JOIN condition_practices cp ON cp.condition_id = c.id
		WHERE cp.practice_id = $1
		ORDER BY c.id`

	rows, err := s.db.Query(ctx, query, practiceID)
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
func (s *PostgresStore) ListPractices(ctx context.Context) ([]domain.Practice, error) {
	rows, err := s.db.Query(ctx, `SELECT `+practiceColumns+` FROM practices p ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("listing practices: %w", err)
	}
	defer rows.Close()

	var out []domain.Practice
	for rows.Next() {
		p, err := scanPractice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning practice: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPractice returns one practice record, or domain.ErrNotFound.
func (s *PostgresStore) GetPractice(ctx context.Context, practiceID int64) (*domain.Practice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+practiceColumns+` FROM practices p WHERE p.id = $1`, practiceID)
	p, err := scanPractice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("practice %d: %w", practiceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading practice %d: %w", practiceID, err)
	}
	return &p, nil
}

// ModuleForCondition returns the source protocol module of a condition.
func (s *PostgresStore) ModuleForCondition(ctx context.Context, conditionID int64) (*domain.Module, error) {
	var m domain.Module
	err := s.db.QueryRow(ctx,
		`SELECT id, condition_id, developed_by, description FROM modules WHERE condition_id = $1 ORDER BY id LIMIT 1`,
		conditionID,
	).Scan(&m.ID, &m.ConditionID, &m.DevelopedBy, &m.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("module for condition %d: %w", conditionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading module for condition %d: %w", conditionID, err)
	}
	return &m, nil
}

// CombinationByKey looks up a combination row by its canonical key.
func (s *PostgresStore) CombinationByKey(ctx context.Context, key string) (*domain.Combination, error) {
	var c domain.Combination
	err := s.db.QueryRow(ctx,
		`SELECT id, name, key FROM combinations WHERE key = $1`, key,
	).Scan(&c.ID, &c.Name, &c.Key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("combination %q: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading combination %q: %w", key, err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT condition_id FROM combination_conditions WHERE combination_id = $1 ORDER BY condition_id`, c.ID)
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
func (s *PostgresStore) RulesForCombination(ctx context.Context, combinationID int64) ([]domain.ExclusionRule, error) {
	query := `
		SELECT id, combination_id, sanskrit_name, english_name, category, sub_category, reason, source
		FROM exclusion_rules
		WHERE combination_id = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, combinationID)
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

// TrialsForCondition returns the trials linked to a condition with their
// references and symptom measures attached.
func (s *PostgresStore) TrialsForCondition(ctx context.Context, conditionID int64) ([]domain.Trial, error) {
	query := `
		SELECT t.id, t.title, t.sample_size, t.age_range, t.population, t.intervention, t.created_at
		FROM trials t
		JOIN trial_conditions tc ON tc.trial_id = t.id
		WHERE tc.condition_id = $1
		ORDER BY t.id`

	rows, err := s.db.Query(ctx, query, conditionID)
	if err != nil {
		return nil, fmt.Errorf("loading trials for condition %d: %w", conditionID, err)
	}
	defer rows.Close()

	var out []domain.Trial
	for rows.Next() {
		var t domain.Trial
		err := rows.Scan(&t.ID, &t.Title, &t.SampleSize, &t.AgeRange, &t.Population, &t.Intervention, &t.CreatedAt)
		if err != nil {
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

func (s *PostgresStore) loadTrialDetails(ctx context.Context, t *domain.Trial) error {
	condRows, err := s.db.Query(ctx,
		`SELECT condition_id FROM trial_conditions WHERE trial_id = $1 ORDER BY condition_id`, t.ID)
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

	refRows, err := s.db.Query(ctx,
		`SELECT condition_id, name FROM trial_references WHERE trial_id = $1 ORDER BY id`, t.ID)
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

	symRows, err := s.db.Query(ctx,
		`SELECT symptom, p_value, operator, is_significant, needs_review FROM trial_symptoms WHERE trial_id = $1 ORDER BY id`, t.ID)
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
func (s *PostgresStore) SetEvidenceCount(ctx context.Context, practiceID int64, count int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE practices SET evidence_count = $2 WHERE id = $1`, practiceID, count)
	if err != nil {
		return fmt.Errorf("setting evidence count for practice %d: %w", practiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("practice %d: %w", practiceID, domain.ErrNotFound)
	}
	return nil
}

// AdjustEvidenceCount atomically adds delta to a practice's evidence count,
// flooring at zero. The single UPDATE serializes concurrent adjustments on
// the row lock.
func (s *PostgresStore) AdjustEvidenceCount(ctx context.Context, practiceID int64, delta int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE practices SET evidence_count = GREATEST(evidence_count + $2, 0) WHERE id = $1`,
		practiceID, delta)
	if err != nil {
		return fmt.Errorf("adjusting evidence count for practice %d: %w", practiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("practice %d: %w", practiceID, domain.ErrNotFound)
	}

	s.log.WithFields(logrus.Fields{
		"practice": practiceID,
		"delta":    delta,
	}).Debug("Evidence count adjusted")
	return nil
}
