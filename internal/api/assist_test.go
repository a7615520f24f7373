package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/chronodesk/chronodesk/internal/pending"
	"github.com/chronodesk/chronodesk/internal/policy"
	"github.com/chronodesk/chronodesk/internal/runner"
	"github.com/chronodesk/chronodesk/internal/schema"
	"github.com/chronodesk/chronodesk/internal/synth"
)

type fakeSynthesizer struct {
	query synth.GeneratedQuery
	err   error
}

func (f *fakeSynthesizer) Synthesize(context.Context, string, schema.Context) (synth.GeneratedQuery, error) {
	if f.err != nil {
		return synth.GeneratedQuery{}, f.err
	}
	return f.query, nil
}

type fakeRunner struct {
	previewResult runner.Result
	executeResult runner.Result
	previewErr    error
	executeErr    error
	previewed     string
	executed      string
}

func (f *fakeRunner) Preview(_ context.Context, _ *sql.DB, statement string) (runner.Result, error) {
	f.previewed = statement
	return f.previewResult, f.previewErr
}

func (f *fakeRunner) Execute(_ context.Context, _ *sql.DB, statement string) (runner.Result, error) {
	f.executed = statement
	return f.executeResult, f.executeErr
}

func (f *fakeRunner) PreviewStatement(statement string) string {
	return statement
}

type fakeSchemaProvider struct {
	snap schema.Context
	err  error
}

func (f *fakeSchemaProvider) Snapshot(context.Context) (schema.Context, error) {
	if f.err != nil {
		return schema.Context{}, f.err
	}
	return f.snap, nil
}

func assistDependencies(t *testing.T) Dependencies {
	t.Helper()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return Dependencies{
		Synthesizer: &fakeSynthesizer{
			query: synth.GeneratedQuery{
				Statement:   "SELECT hours FROM time_entries LIMIT 50",
				Explanation: "Hours per entry.",
				Tables:      []string{"time_entries"},
				IsReadOnly:  true,
			},
		},
		Validator: policy.NewValidator(policy.DefaultConfig()),
		Runner: &fakeRunner{
			previewResult: runner.Result{Columns: []string{"hours"}, Rows: [][]any{{7.5}}, RowCount: 1},
			executeResult: runner.Result{Columns: []string{"hours"}, Rows: [][]any{{7.5}, {3.0}}, RowCount: 2},
		},
		Pending:    pending.NewStore(time.Minute),
		TenantDB:   db,
		OperatorDB: db,
		TenantSchema: &fakeSchemaProvider{snap: schema.Context{
			DatabaseName: "tenant_acme",
			Tables:       []schema.Table{{Name: "time_entries", Columns: []schema.Column{{Name: "hours", Type: "numeric"}}}},
		}},
		OperatorSchema: &fakeSchemaProvider{snap: schema.Context{DatabaseName: "chronodesk_operator"}},
	}
}

func tenantRequest(method, path, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set("X-Tenant-ID", "tenant_acme")
	r.Header.Set("X-User-ID", "u1")
	r.Header.Set("X-Roles", "tenant_member")
	return r
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body = %s", err, rr.Body.String())
	}
	return body
}

func TestGenerateReturnsQueryAndVerdict(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/generate", `{"question":"my hours this week"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	query := body["query"].(map[string]any)
	if query["statement"] != "SELECT hours FROM time_entries LIMIT 50" {
		t.Fatalf("statement = %v", query["statement"])
	}
	verdict := body["verdict"].(map[string]any)
	if verdict["allowed_to_execute"] != true {
		t.Fatalf("verdict = %v", verdict)
	}
	if verdict["confidence"].(float64) != 100 {
		t.Fatalf("confidence = %v", verdict["confidence"])
	}
}

func TestGenerateReportsBlockedVerdict(t *testing.T) {
	deps := assistDependencies(t)
	deps.Synthesizer = &fakeSynthesizer{query: synth.GeneratedQuery{
		Statement:  "SELECT password_hash FROM users LIMIT 10",
		IsReadOnly: true,
	}}
	h := NewHandler(testConfig(t, nil), deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/generate", `{"question":"show password hashes"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	verdict := decodeJSON(t, rr)["verdict"].(map[string]any)
	if verdict["allowed_to_execute"] != false {
		t.Fatalf("verdict = %v", verdict)
	}
}

func TestBlockedVerdictIsAuditLogged(t *testing.T) {
	var buf bytes.Buffer
	deps := assistDependencies(t)
	deps.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	deps.Synthesizer = &fakeSynthesizer{query: synth.GeneratedQuery{
		Statement:  "SELECT password_hash FROM users LIMIT 10",
		IsReadOnly: true,
	}}
	h := NewHandler(testConfig(t, nil), deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/generate", `{"question":"show password hashes"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	logged := buf.String()
	if !strings.Contains(logged, "statement blocked by policy") {
		t.Fatalf("no audit record in log output: %s", logged)
	}
	if !strings.Contains(logged, `"level":"ERROR"`) {
		t.Fatalf("audit record not at error level: %s", logged)
	}
	if !strings.Contains(logged, `"worst_severity":"critical"`) || !strings.Contains(logged, `"user_id":"u1"`) {
		t.Fatalf("audit record missing detail: %s", logged)
	}
	if !strings.Contains(logged, "password_hash") {
		t.Fatalf("audit record missing the issue list: %s", logged)
	}
}

func TestGenerateRequiresCaller(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/assist/generate", strings.NewReader(`{"question":"q"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGenerateRequiresQuestion(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/generate", `{"question":"  "}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGenerateSynthesisRejected(t *testing.T) {
	deps := assistDependencies(t)
	deps.Synthesizer = &fakeSynthesizer{err: &synth.SynthesisError{Reason: "model returned a non-SELECT statement"}}
	h := NewHandler(testConfig(t, nil), deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/generate", `{"question":"q"}`))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestPreviewBlockedQueryReturns403(t *testing.T) {
	deps := assistDependencies(t)
	deps.Synthesizer = &fakeSynthesizer{query: synth.GeneratedQuery{
		Statement:  "SELECT hours FROM tenant_other.public.time_entries LIMIT 10",
		IsReadOnly: true,
	}}
	h := NewHandler(testConfig(t, nil), deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/preview", `{"question":"q"}`))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if deps.Runner.(*fakeRunner).previewed != "" {
		t.Fatal("a blocked query must not reach the runner")
	}
}

func TestPreviewThenConfirmFlow(t *testing.T) {
	deps := assistDependencies(t)
	h := NewHandler(testConfig(t, nil), deps)

	previewResp := httptest.NewRecorder()
	h.ServeHTTP(previewResp, tenantRequest(http.MethodPost, "/v1/assist/preview", `{"question":"my hours"}`))
	if previewResp.Code != http.StatusOK {
		t.Fatalf("preview status = %d, body = %s", previewResp.Code, previewResp.Body.String())
	}

	previewBody := decodeJSON(t, previewResp)
	token, _ := previewBody["confirmation_token"].(string)
	if token == "" {
		t.Fatalf("no confirmation token in %v", previewBody)
	}
	if previewBody["preview"].(map[string]any)["row_count"].(float64) != 1 {
		t.Fatalf("preview = %v", previewBody["preview"])
	}

	confirmResp := httptest.NewRecorder()
	h.ServeHTTP(confirmResp, tenantRequest(http.MethodPost, "/v1/assist/confirm", `{"token":"`+token+`"}`))
	if confirmResp.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body = %s", confirmResp.Code, confirmResp.Body.String())
	}

	confirmBody := decodeJSON(t, confirmResp)
	if confirmBody["result"].(map[string]any)["row_count"].(float64) != 2 {
		t.Fatalf("result = %v", confirmBody["result"])
	}
	if got := deps.Runner.(*fakeRunner).executed; got != "SELECT hours FROM time_entries LIMIT 50" {
		t.Fatalf("executed statement = %q", got)
	}

	replayResp := httptest.NewRecorder()
	h.ServeHTTP(replayResp, tenantRequest(http.MethodPost, "/v1/assist/confirm", `{"token":"`+token+`"}`))
	if replayResp.Code != http.StatusConflict {
		t.Fatalf("replay status = %d", replayResp.Code)
	}
}

func TestConfirmRejectsOtherCaller(t *testing.T) {
	deps := assistDependencies(t)
	h := NewHandler(testConfig(t, nil), deps)

	previewResp := httptest.NewRecorder()
	h.ServeHTTP(previewResp, tenantRequest(http.MethodPost, "/v1/assist/preview", `{"question":"my hours"}`))
	token := decodeJSON(t, previewResp)["confirmation_token"].(string)

	otherReq := httptest.NewRequest(http.MethodPost, "/v1/assist/confirm", strings.NewReader(`{"token":"`+token+`"}`))
	otherReq.Header.Set("X-Tenant-ID", "tenant_acme")
	otherReq.Header.Set("X-User-ID", "u2")
	otherReq.Header.Set("X-Roles", "tenant_member")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, otherReq)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodPost, "/v1/assist/confirm", `{"token":"nope"}`))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSchemaEndpointForTenantCaller(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodGet, "/v1/assist/schema", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["database"] != "tenant_acme" {
		t.Fatalf("database = %v", body["database"])
	}
}

func TestSchemaEndpointUsesOperatorScope(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/assist/schema", nil)
	req.Header.Set("X-User-ID", "op-1")
	req.Header.Set("X-Roles", "operator")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeJSON(t, rr)["database"] != "chronodesk_operator" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestSchemaEndpointRejectsAnonymous(t *testing.T) {
	h := NewHandler(testConfig(t, nil), assistDependencies(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/assist/schema", nil)
	req.Header.Set("X-User-ID", "someone")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}
