package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
// Conditions and actions are stored as JSONB; Upsert is a single
// INSERT .. ON CONFLICT statement so concurrent writers of one ID serialise in the database.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, summary, category, conditions, actions, priority, active,
	rule_text, table_text, created_at, updated_at`

func (s *PostgresRuleStore) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresRuleStore) Upsert(ctx context.Context, rule *Rule) error {
	if rule == nil {
		return errors.New("rule is nil")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	var ruleText, tableText sql.NullString
	if rule.Artifacts != nil {
		ruleText = sql.NullString{String: rule.Artifacts.RuleText, Valid: true}
		tableText = sql.NullString{String: rule.Artifacts.TableText, Valid: true}
	}

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO rules (id, name, summary, category, conditions, actions, priority, active,
			rule_text, table_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			summary = EXCLUDED.summary,
			category = EXCLUDED.category,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			rule_text = EXCLUDED.rule_text,
			table_text = EXCLUDED.table_text,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`, rule.ID, rule.Name, rule.Summary, rule.Category, conditions, actions,
		string(rule.Priority), rule.Active, ruleText, tableText, now,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                   Rule
		priority            string
		conditions, actions []byte
		ruleText, tableText sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Summary, &r.Category, &conditions, &actions,
		&priority, &r.Active, &ruleText, &tableText, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions of %s: %w", r.ID, err)
	}
	r.Priority = Priority(priority)
	if ruleText.Valid || tableText.Valid {
		r.Artifacts = &Artifacts{RuleText: ruleText.String, TableText: tableText.String}
	}
	return &r, nil
}
