package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	core "github.com/deepinsight-ai/deepinsight/internal/agent/core"
)

// Template registry operations.

// ListAgentTemplates returns templates, optionally filtered by variant.
// variant "planner" also matches "both"; likewise for "individual".
func (s *Store) ListAgentTemplates(ctx context.Context, variant string) ([]AgentTemplate, error) {
	query := `
SELECT id, name, category, prompt_body, variant, is_premium, usage_count, created_at
FROM agent_templates
`
	var args []interface{}
	if variant != "" {
		query += `WHERE variant IN ($1, 'both')
`
		args = append(args, variant)
	}
	query += `ORDER BY usage_count DESC, id ASC
`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentTemplate
	for rows.Next() {
		var t AgentTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.PromptBody, &t.Variant, &t.IsPremium, &t.UsageCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListUserTemplatePreferences returns the user's preference rows joined with
// template metadata, optionally filtered by variant.
func (s *Store) ListUserTemplatePreferences(ctx context.Context, userID, variant string) ([]UserTemplatePreference, error) {
	query := `
SELECT p.user_id, p.template_id, t.name, t.category, t.variant, p.is_enabled, p.usage_count, p.last_used_at
FROM user_template_preferences p
JOIN agent_templates t ON t.id = p.template_id
WHERE p.user_id=$1
`
	args := []interface{}{userID}
	if variant != "" {
		query += `AND t.variant IN ($2, 'both')
`
		args = append(args, variant)
	}
	query += `ORDER BY p.usage_count DESC, p.template_id ASC
`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserTemplatePreference
	for rows.Next() {
		var p UserTemplatePreference
		var lastUsed sql.NullTime
		if err := rows.Scan(&p.UserID, &p.TemplateID, &p.Name, &p.Category, &p.Variant, &p.IsEnabled, &p.UsageCount, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			p.LastUsedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ToggleTemplatePreference enables or disables one template for a user.
//
// The min-1/max-10 planner invariants are enforced inside one transaction
// holding a per-user advisory lock, so two concurrent toggles cannot both
// pass the cap check and jointly violate it.
func (s *Store) ToggleTemplatePreference(ctx context.Context, userID, templateID string, enable bool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("acquire preference lock: %w", err)
	}

	var variant string
	err = tx.QueryRowContext(ctx, `SELECT variant FROM agent_templates WHERE id=$1`, templateID).Scan(&variant)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	plannerEligible := variant == "planner" || variant == "both"
	if plannerEligible {
		var enabled int
		err = tx.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM user_template_preferences p
JOIN agent_templates t ON t.id = p.template_id
WHERE p.user_id=$1 AND p.is_enabled AND t.variant IN ('planner','both')
`, userID).Scan(&enabled)
		if err != nil {
			return err
		}

		var currentlyEnabled bool
		err = tx.QueryRowContext(ctx, `
SELECT is_enabled FROM user_template_preferences WHERE user_id=$1 AND template_id=$2
`, userID, templateID).Scan(&currentlyEnabled)
		if errors.Is(err, sql.ErrNoRows) {
			currentlyEnabled = false
		} else if err != nil {
			return err
		}

		if enable && !currentlyEnabled && enabled >= MaxEnabledPlannerTemplates {
			return ErrPreferenceCapExceeded
		}
		if !enable && currentlyEnabled && enabled <= MinEnabledPlannerTemplates {
			return ErrLastEnabledTemplate
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO user_template_preferences (user_id, template_id, is_enabled)
VALUES ($1,$2,$3)
ON CONFLICT (user_id, template_id) DO UPDATE SET is_enabled = EXCLUDED.is_enabled
`, userID, templateID, enable); err != nil {
		return err
	}

	return tx.Commit()
}

// EnabledPlannerTemplates implements core.TemplateRegistry: the user's enabled
// planner-eligible templates ordered by (usage_count desc, template_id asc).
func (s *Store) EnabledPlannerTemplates(ctx context.Context, ownerID string) ([]core.AgentDescriptor, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT t.id, t.name, t.category, t.prompt_body, t.usage_count
FROM user_template_preferences p
JOIN agent_templates t ON t.id = p.template_id
WHERE p.user_id=$1 AND p.is_enabled AND t.variant IN ('planner','both')
ORDER BY t.usage_count DESC, t.id ASC
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.AgentDescriptor
	for rows.Next() {
		var d core.AgentDescriptor
		if err := rows.Scan(&d.TemplateID, &d.Name, &d.Category, &d.Prompt, &d.UsageCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IncrementTemplateUsage implements core.TemplateRegistry: bump the template's
// global counter and the caller's per-user counter for one agent invocation
// that reached execution.
func (s *Store) IncrementTemplateUsage(ctx context.Context, ownerID, templateID string) error {
	if _, err := s.DB.ExecContext(ctx, `
UPDATE agent_templates SET usage_count = usage_count + 1 WHERE id=$1
`, templateID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_template_preferences (user_id, template_id, is_enabled, usage_count, last_used_at)
VALUES ($1,$2,TRUE,1,NOW())
ON CONFLICT (user_id, template_id) DO UPDATE SET
  usage_count = user_template_preferences.usage_count + 1,
  last_used_at = NOW()
`, ownerID, templateID)
	return err
}
