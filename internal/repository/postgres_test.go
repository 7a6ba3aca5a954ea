package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yoga-protocol-server/internal/database"
	"github.com/yoga-protocol-server/internal/domain"
)

// TestPostgresStore runs the store against a disposable Postgres container
// with the real migrations applied.
func TestPostgresStore(t *testing.T) {
	if os.Getenv("TEST_WITH_DOCKER") == "" {
		t.Skip("Skipping container test; set TEST_WITH_DOCKER=1 to run")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := domain.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "testdb",
		Username: "testuser",
		Password: "testpass",
		SSLMode:  "disable",
	}

	logger := testLoggerDiscard()

	runner, err := database.NewMigrationRunner(database.MigrationURL(cfg), "../../migrations", logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}
	if err := runner.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	runner.Close()

	db, err := database.NewConnection(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	seed := []string{
		`INSERT INTO conditions (id, name) VALUES (1, 'Depression'), (2, 'Generalized Anxiety Disorder')`,
		`INSERT INTO modules (id, condition_id, developed_by) VALUES (1, 1, 'S-VYASA')`,
		`INSERT INTO practices (id, english_name, category, kosha, module_id) VALUES
			(10, 'Vakrasana', 'Yogasana', 'Annamaya Kosha', 1),
			(11, 'Bhastrika Pranayama', 'Pranayama', 'Pranamaya Kosha', NULL)`,
		`INSERT INTO condition_practices VALUES (1, 10), (1, 11), (2, 11)`,
		`INSERT INTO combinations (id, name, key) VALUES (1, 'Depression + Generalized Anxiety Disorder', '1,2')`,
		`INSERT INTO combination_conditions VALUES (1, 1), (1, 2)`,
		`INSERT INTO exclusion_rules (id, combination_id, english_name, category, reason) VALUES
			(4, 1, 'Vakrasana', 'Yogasana', 'Twisting contraindicated')`,
		`INSERT INTO trials (id, title) VALUES (1, 'Bellows breathing RCT')`,
		`INSERT INTO trial_conditions VALUES (1, 1)`,
		`INSERT INTO trial_references (trial_id, condition_id, name) VALUES (1, 1, 'Bhastrika Pranayama')`,
	}
	for _, stmt := range seed {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	}

	store := NewPostgresStore(db.Pool, logger)

	t.Run("ListConditions", func(t *testing.T) {
		conditions, err := store.ListConditions(ctx)
		if err != nil {
			t.Fatalf("ListConditions: %v", err)
		}
		if len(conditions) != 2 || conditions[0].Name != "Depression" {
			t.Errorf("unexpected conditions: %+v", conditions)
		}
	})

	t.Run("PracticesForCondition", func(t *testing.T) {
		practices, err := store.PracticesForCondition(ctx, 1)
		if err != nil {
			t.Fatalf("PracticesForCondition: %v", err)
		}
		if len(practices) != 2 {
			t.Fatalf("expected 2 practices, got %d", len(practices))
		}
		if practices[0].Module == nil || practices[0].Module.DevelopedBy != "S-VYASA" {
			t.Errorf("expected module attribution on %+v", practices[0])
		}
	})

	t.Run("CombinationAndRules", func(t *testing.T) {
		combo, err := store.CombinationByKey(ctx, "1,2")
		if err != nil {
			t.Fatalf("CombinationByKey: %v", err)
		}
		if fmt.Sprint(combo.ConditionIDs) != "[1 2]" {
			t.Errorf("unexpected members: %v", combo.ConditionIDs)
		}
		rules, err := store.RulesForCombination(ctx, combo.ID)
		if err != nil {
			t.Fatalf("RulesForCombination: %v", err)
		}
		if len(rules) != 1 || rules[0].EnglishName != "Vakrasana" {
			t.Errorf("unexpected rules: %+v", rules)
		}
	})

	t.Run("TrialsForCondition", func(t *testing.T) {
		trials, err := store.TrialsForCondition(ctx, 1)
		if err != nil {
			t.Fatalf("TrialsForCondition: %v", err)
		}
		if len(trials) != 1 || len(trials[0].References) != 1 {
			t.Fatalf("unexpected trials: %+v", trials)
		}
	})

	t.Run("EvidenceCountFloor", func(t *testing.T) {
		if err := store.AdjustEvidenceCount(ctx, 11, -3); err != nil {
			t.Fatalf("AdjustEvidenceCount: %v", err)
		}
		p, err := store.GetPractice(ctx, 11)
		if err != nil {
			t.Fatalf("GetPractice: %v", err)
		}
		if p.EvidenceCount != 0 {
			t.Errorf("expected floor at zero, got %d", p.EvidenceCount)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := store.GetPractice(ctx, 999); err == nil {
			t.Error("expected error for missing practice")
		}
	})
}
