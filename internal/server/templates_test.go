package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/deepinsight-ai/deepinsight/internal/store"
)

func templateToggleContext(e *echo.Echo, body, templateID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/templates/"+templateID+"/toggle", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues(templateID)
	return ctx, rec
}

func expectToggleTx(mock sqlmock.Sqlmock, templateID, variant string, enabledCount int, currentlyEnabled bool) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT variant FROM agent_templates WHERE id=$1`)).
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"variant"}).AddRow(variant))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(enabledCount))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT is_enabled FROM user_template_preferences WHERE user_id=$1 AND template_id=$2`)).
		WithArgs("user-1", templateID).
		WillReturnRows(sqlmock.NewRows([]string{"is_enabled"}).AddRow(currentlyEnabled))
}

func TestToggleCapConflict(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &TemplatesHandler{Store: &store.Store{DB: db}}
	expectToggleTx(mock, "tpl-11", "planner", store.MaxEnabledPlannerTemplates, false)
	mock.ExpectRollback()

	ctx, _ := templateToggleContext(e, `{"enable":true}`, "tpl-11")
	err = handler.toggle(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 error, got %#v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestToggleLastEnabledConflict(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &TemplatesHandler{Store: &store.Store{DB: db}}
	expectToggleTx(mock, "tpl-1", "both", store.MinEnabledPlannerTemplates, true)
	mock.ExpectRollback()

	ctx, _ := templateToggleContext(e, `{"enable":false}`, "tpl-1")
	err = handler.toggle(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 error, got %#v", err)
	}
}

func TestToggleUnknownTemplate(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &TemplatesHandler{Store: &store.Store{DB: db}}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT variant FROM agent_templates WHERE id=$1`)).
		WithArgs("tpl-missing").
		WillReturnRows(sqlmock.NewRows([]string{"variant"}))
	mock.ExpectRollback()

	ctx, _ := templateToggleContext(e, `{"enable":true}`, "tpl-missing")
	err = handler.toggle(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}
}

func TestToggleBulkReportsPerItemVerdicts(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &TemplatesHandler{Store: &store.Store{DB: db}}

	// first item succeeds
	expectToggleTx(mock, "tpl-1", "planner", 3, false)
	mock.ExpectExec(`INSERT INTO user_template_preferences`).
		WithArgs("user-1", "tpl-1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// second item hits the cap
	expectToggleTx(mock, "tpl-2", "planner", store.MaxEnabledPlannerTemplates, false)
	mock.ExpectRollback()

	body := `{"items":[{"template_id":"tpl-1","enable":true},{"template_id":"tpl-2","enable":true}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/templates/toggle_bulk", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := handler.toggleBulk(ctx); err != nil {
		t.Fatalf("toggleBulk: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk toggles always answer 200, got %d", rec.Code)
	}

	var verdicts []BulkToggleVerdict
	if err := json.Unmarshal(rec.Body.Bytes(), &verdicts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}
	if !verdicts[0].Success || verdicts[0].TemplateID != "tpl-1" {
		t.Fatalf("unexpected first verdict: %+v", verdicts[0])
	}
	if verdicts[1].Success || verdicts[1].Error == "" {
		t.Fatalf("unexpected second verdict: %+v", verdicts[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestToggleBulkRejectsEmptyItems(t *testing.T) {
	e := echo.New()
	handler := &TemplatesHandler{}

	req := httptest.NewRequest(http.MethodPost, "/api/templates/toggle_bulk", strings.NewReader(`{"items":[]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	err := handler.toggleBulk(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestListTemplates(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &TemplatesHandler{Store: &store.Store{DB: db}}
	mock.ExpectQuery(`SELECT id, name, category, prompt_body, variant`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "category", "prompt_body", "variant", "is_premium", "usage_count", "created_at"}))

	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := handler.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty registry must serialize as [], got %q", rec.Body.String())
	}
}
