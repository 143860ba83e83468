package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
	core "github.com/deepinsight-ai/deepinsight/internal/agent/core"
	_ "github.com/lib/pq"
)

// Sentinel errors surfaced to handlers.
var (
	ErrNotFound              = errors.New("not found")
	ErrReportImmutable       = errors.New("report is terminal and immutable")
	ErrPreferenceCapExceeded = errors.New("planner template cap reached")
	ErrLastEnabledTemplate   = errors.New("cannot disable the last enabled template")
)

// Planner preference bounds enforced at write time.
const (
	MinEnabledPlannerTemplates = 1
	MaxEnabledPlannerTemplates = 10
)

type Store struct {
	DB *sql.DB
}

// AgentTemplate is one row of the template registry.
type AgentTemplate struct {
	ID         string    `json:"template_id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PromptBody string    `json:"prompt_body"`
	Variant    string    `json:"variant"`
	IsPremium  bool      `json:"is_premium"`
	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserTemplatePreference is one user's enable/disable row for a template.
type UserTemplatePreference struct {
	UserID     string     `json:"user_id"`
	TemplateID string     `json:"template_id"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Variant    string     `json:"variant"`
	IsEnabled  bool       `json:"is_enabled"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// New constructs the Store from Postgres configuration.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return
}

// Report operations

const reportColumns = `id, owner_id, goal, status, questions, plan, agent_summaries, synthesized_code, figures, synthesis, final_conclusion, rendered_report, stage_progress, credits_consumed, error_message, tokens_used, estimated_cost, start_time, end_time`

// CreateReport inserts a pending report for a submitted goal.
func (s *Store) CreateReport(ctx context.Context, ownerID, goal string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO reports (owner_id, goal, status, start_time)
VALUES ($1,$2,'pending',NOW())
RETURNING id
`, ownerID, goal).Scan(&id)
	return id, err
}

// GetReport returns one report owned by ownerID.
func (s *Store) GetReport(ctx context.Context, id, ownerID string) (core.AnalysisReport, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE id=$1 AND owner_id=$2
`, id, ownerID)
	return scanReport(row)
}

// GetReportByUUID returns one report by its opaque UUID regardless of owner.
// Callers gate access before exposing the result.
func (s *Store) GetReportByUUID(ctx context.Context, uuid string) (core.AnalysisReport, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE id=$1
`, uuid)
	return scanReport(row)
}

// ListReports returns the owner's reports, optionally filtered by status,
// newest first.
func (s *Store) ListReports(ctx context.Context, ownerID, status string, limit, offset int) ([]core.AnalysisReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `
SELECT ` + reportColumns + `
FROM reports
WHERE owner_id=$1
`
	args := []interface{}{ownerID}
	if status != "" {
		query += `AND status=$2
`
		args = append(args, status)
	}
	query += fmt.Sprintf(`ORDER BY start_time DESC
LIMIT %d OFFSET %d
`, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.AnalysisReport
	for rows.Next() {
		rec, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateReportStatus transitions a non-terminal report. Terminal reports are
// immutable; attempting to touch one returns ErrReportImmutable.
func (s *Store) UpdateReportStatus(ctx context.Context, id, ownerID, status string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE reports SET status=$3
WHERE id=$1 AND owner_id=$2 AND status NOT IN ('completed','failed')
`, id, ownerID, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var existing string
		err := s.DB.QueryRowContext(ctx, `SELECT status FROM reports WHERE id=$1 AND owner_id=$2`, id, ownerID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrReportImmutable
	}
	return nil
}

// DeleteReport removes a report on explicit owner request.
func (s *Store) DeleteReport(ctx context.Context, id, ownerID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM reports WHERE id=$1 AND owner_id=$2`, id, ownerID)
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

// GetRenderedReport returns only the rendered body of one report.
func (s *Store) GetRenderedReport(ctx context.Context, id, ownerID string) (string, error) {
	var rendered sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT rendered_report FROM reports WHERE id=$1 AND owner_id=$2
`, id, ownerID).Scan(&rendered)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return rendered.String, nil
}

// SaveReportSnapshot upserts the full pipeline snapshot. Rows that already
// reached a terminal status are never overwritten.
func (s *Store) SaveReportSnapshot(ctx context.Context, report *core.AnalysisReport) error {
	plan, err := json.Marshal(report.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	summaries, err := json.Marshal(report.AgentSummaries)
	if err != nil {
		return fmt.Errorf("marshal agent summaries: %w", err)
	}
	figures, err := json.Marshal(report.Figures)
	if err != nil {
		return fmt.Errorf("marshal figures: %w", err)
	}
	synthesis, err := json.Marshal(report.Synthesis)
	if err != nil {
		return fmt.Errorf("marshal synthesis: %w", err)
	}
	progress, err := json.Marshal(report.StageProgress)
	if err != nil {
		return fmt.Errorf("marshal stage progress: %w", err)
	}

	var endTime interface{}
	if report.EndTime != nil {
		endTime = *report.EndTime
	}

	res, err := s.DB.ExecContext(ctx, `
INSERT INTO reports (id, owner_id, goal, status, questions, plan, agent_summaries, synthesized_code, figures, synthesis, final_conclusion, rendered_report, stage_progress, credits_consumed, error_message, tokens_used, estimated_cost, start_time, end_time)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  questions = EXCLUDED.questions,
  plan = EXCLUDED.plan,
  agent_summaries = EXCLUDED.agent_summaries,
  synthesized_code = EXCLUDED.synthesized_code,
  figures = EXCLUDED.figures,
  synthesis = EXCLUDED.synthesis,
  final_conclusion = EXCLUDED.final_conclusion,
  rendered_report = EXCLUDED.rendered_report,
  stage_progress = EXCLUDED.stage_progress,
  credits_consumed = EXCLUDED.credits_consumed,
  error_message = EXCLUDED.error_message,
  tokens_used = EXCLUDED.tokens_used,
  estimated_cost = EXCLUDED.estimated_cost,
  end_time = EXCLUDED.end_time
WHERE reports.status NOT IN ('completed','failed')
`, report.ID, report.OwnerID, report.Goal, report.Status, report.Questions, plan, summaries,
		report.SynthesizedCode, figures, synthesis, report.FinalConclusion, report.RenderedReport,
		progress, report.CreditsConsumed, nullableString(report.ErrorMessage), report.TokensUsed,
		report.EstimatedCost, report.StartTime, endTime)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReportImmutable
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (core.AnalysisReport, error) {
	var (
		rec                              core.AnalysisReport
		questions, code, conclusion      sql.NullString
		rendered, errMsg                 sql.NullString
		plan, summaries, figures         []byte
		synthesis, progress              []byte
		endTime                          sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Goal, &rec.Status, &questions, &plan, &summaries,
		&code, &figures, &synthesis, &conclusion, &rendered, &progress, &rec.CreditsConsumed,
		&errMsg, &rec.TokensUsed, &rec.EstimatedCost, &rec.StartTime, &endTime)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Questions = questions.String
	rec.SynthesizedCode = code.String
	rec.FinalConclusion = conclusion.String
	rec.RenderedReport = rendered.String
	rec.ErrorMessage = errMsg.String
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &rec.Plan); err != nil {
			return rec, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	if len(summaries) > 0 {
		if err := json.Unmarshal(summaries, &rec.AgentSummaries); err != nil {
			return rec, fmt.Errorf("unmarshal agent summaries: %w", err)
		}
	}
	if len(figures) > 0 {
		if err := json.Unmarshal(figures, &rec.Figures); err != nil {
			return rec, fmt.Errorf("unmarshal figures: %w", err)
		}
	}
	if len(synthesis) > 0 {
		if err := json.Unmarshal(synthesis, &rec.Synthesis); err != nil {
			return rec, fmt.Errorf("unmarshal synthesis: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &rec.StageProgress); err != nil {
			return rec, fmt.Errorf("unmarshal stage progress: %w", err)
		}
	}
	return rec, nil
}
