package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chronodesk/chronodesk/internal/auth"
	"github.com/chronodesk/chronodesk/internal/observability"
	"github.com/chronodesk/chronodesk/internal/pending"
	"github.com/chronodesk/chronodesk/internal/policy"
	"github.com/chronodesk/chronodesk/internal/schema"
	"github.com/chronodesk/chronodesk/internal/synth"
)

type questionRequest struct {
	Question string `json:"question"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

// caller is the resolved identity one assist request runs as.
type caller struct {
	TenantID string
	UserID   string
	Role     policy.Role
}

// tenantScope is the database name the policy validator compares
// cross-database references against. Operators are not tenant-scoped.
func (c caller) tenantScope() string {
	if c.Role == policy.RoleTenantUser {
		return c.TenantID
	}
	return ""
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	c, err := callerFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "CALLER_REQUIRED", err.Error(), false, nil)
		return
	}

	var req questionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	query, verdict, ok := synthesizeAndValidate(deps, w, r, c, req.Question)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   queryPayload(query),
		"verdict": verdict,
	})
}

func handlePreview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	c, err := callerFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "CALLER_REQUIRED", err.Error(), false, nil)
		return
	}

	var req questionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	query, verdict, ok := synthesizeAndValidate(deps, w, r, c, req.Question)
	if !ok {
		return
	}
	if !verdict.AllowedToExecute {
		writeError(r.Context(), w, http.StatusForbidden, "POLICY_BLOCKED", "the generated query did not pass the security policy", false, map[string]any{
			"query":   queryPayload(query),
			"verdict": verdict,
		})
		return
	}

	db := databaseFor(deps, c)
	if db == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXECUTION_NOT_CONFIGURED", "query execution is not configured", false, nil)
		return
	}
	result, err := deps.Runner.Preview(r.Context(), db, query.Statement)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "PREVIEW_FAILED", "failed to run the preview query", true, map[string]any{"details": err.Error()})
		return
	}

	token, expires := deps.Pending.Put(pending.Entry{
		TenantID:    c.TenantID,
		UserID:      c.UserID,
		Role:        c.Role,
		TenantScope: c.tenantScope(),
		Query:       query,
		Verdict:     verdict,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"query":              queryPayload(query),
		"verdict":            verdict,
		"preview":            result,
		"confirmation_token": token,
		"expires_at":         expires,
	})
}

func handleConfirm(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	c, err := callerFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "CALLER_REQUIRED", err.Error(), false, nil)
		return
	}

	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TOKEN_REQUIRED", "confirmation token is required", false, nil)
		return
	}

	entry, err := deps.Pending.Claim(req.Token, c.TenantID, c.UserID)
	if err != nil {
		writePendingError(w, r, err)
		return
	}

	// The parked statement is validated again so a policy change between
	// preview and confirm takes effect immediately.
	verdict := deps.Validator.Validate(entry.Query.Statement, entry.Role, c.UserID, entry.TenantScope)
	observability.ObserveVerdict(verdict.AllowedToExecute, string(verdict.WorstSeverity()))
	logBlockedVerdict(deps, r, c, verdict, entry.Query.Statement)
	if !verdict.AllowedToExecute {
		writeError(r.Context(), w, http.StatusForbidden, "POLICY_BLOCKED", "the previewed query no longer passes the security policy", false, map[string]any{
			"query":   queryPayload(entry.Query),
			"verdict": verdict,
		})
		return
	}

	db := databaseFor(deps, c)
	if db == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXECUTION_NOT_CONFIGURED", "query execution is not configured", false, nil)
		return
	}
	result, err := deps.Runner.Execute(r.Context(), db, entry.Query.Statement)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "EXECUTION_FAILED", "failed to execute the confirmed query", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   queryPayload(entry.Query),
		"verdict": verdict,
		"result":  result,
	})
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	c, err := callerFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "CALLER_REQUIRED", err.Error(), false, nil)
		return
	}
	if c.Role == policy.RoleAnonymous {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "anonymous callers cannot read the schema", false, nil)
		return
	}

	provider := schemaFor(deps, c)
	if provider == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema introspection is not configured", false, nil)
		return
	}
	snap, err := provider.Snapshot(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FETCH_FAILED", "failed to load the schema", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"database":   snap.DatabaseName,
		"fetched_at": snap.FetchedAt,
		"tables":     tablesPayload(snap.Tables),
	})
}

func synthesizeAndValidate(deps Dependencies, w http.ResponseWriter, r *http.Request, c caller, question string) (synth.GeneratedQuery, policy.SecurityVerdict, bool) {
	provider := schemaFor(deps, c)
	if deps.Synthesizer == nil || provider == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SYNTHESIS_NOT_CONFIGURED", "query synthesis is not configured", false, nil)
		return synth.GeneratedQuery{}, policy.SecurityVerdict{}, false
	}

	snap, err := provider.Snapshot(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FETCH_FAILED", "failed to load schema context", true, map[string]any{"details": err.Error()})
		return synth.GeneratedQuery{}, policy.SecurityVerdict{}, false
	}

	query, err := deps.Synthesizer.Synthesize(r.Context(), question, snap)
	if err != nil {
		var synthErr *synth.SynthesisError
		if errors.As(err, &synthErr) {
			if deps.Logger != nil {
				deps.Logger.WarnContext(r.Context(), "synthesis rejected", "reason", synthErr.Reason, "raw", synthErr.Raw)
			}
			writeError(r.Context(), w, http.StatusUnprocessableEntity, "SYNTHESIS_REJECTED", synthErr.Reason, true, nil)
			return synth.GeneratedQuery{}, policy.SecurityVerdict{}, false
		}
		writeError(r.Context(), w, http.StatusBadGateway, "SYNTHESIS_FAILED", "failed to synthesize a query", true, map[string]any{"details": err.Error()})
		return synth.GeneratedQuery{}, policy.SecurityVerdict{}, false
	}

	verdict := deps.Validator.Validate(query.Statement, c.Role, c.UserID, c.tenantScope())
	observability.ObserveVerdict(verdict.AllowedToExecute, string(verdict.WorstSeverity()))
	logBlockedVerdict(deps, r, c, verdict, query.Statement)
	return query, verdict, true
}

// logBlockedVerdict writes the audit record for a blocked statement at a
// level matching the worst issue found.
func logBlockedVerdict(deps Dependencies, r *http.Request, c caller, verdict policy.SecurityVerdict, statement string) {
	if deps.Logger == nil || verdict.AllowedToExecute {
		return
	}
	level := slog.LevelInfo
	switch verdict.WorstSeverity() {
	case policy.SeverityCritical, policy.SeverityHigh:
		level = slog.LevelError
	case policy.SeverityMedium:
		level = slog.LevelWarn
	}
	deps.Logger.LogAttrs(r.Context(), level, "statement blocked by policy",
		slog.String("user_id", c.UserID),
		slog.String("tenant_id", c.TenantID),
		slog.String("role", string(c.Role)),
		slog.String("worst_severity", string(verdict.WorstSeverity())),
		slog.Int("confidence", verdict.Confidence),
		slog.Any("issues", verdict.Issues),
		slog.String("statement", statement),
	)
}

func callerFromRequest(r *http.Request) (caller, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.UserID) == "" {
			return caller{}, fmt.Errorf("caller identity is required")
		}
		return caller{
			TenantID: identity.TenantID,
			UserID:   identity.UserID,
			Role:     policy.ResolveRole(identity.Roles),
		}, nil
	}

	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		return caller{}, fmt.Errorf("caller identity is required")
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get("X-Roles"), ",") {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return caller{
		TenantID: strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
		UserID:   userID,
		Role:     policy.ResolveRole(roles),
	}, nil
}

func databaseFor(deps Dependencies, c caller) *sql.DB {
	if c.Role == policy.RoleOperator {
		return deps.OperatorDB
	}
	return deps.TenantDB
}

func schemaFor(deps Dependencies, c caller) schema.Provider {
	if c.Role == policy.RoleOperator {
		return deps.OperatorSchema
	}
	return deps.TenantSchema
}

func writePendingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pending.ErrNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "TOKEN_NOT_FOUND", "confirmation token not found", false, nil)
	case errors.Is(err, pending.ErrExpired):
		writeError(r.Context(), w, http.StatusGone, "TOKEN_EXPIRED", "confirmation token has expired", false, nil)
	case errors.Is(err, pending.ErrClaimed):
		writeError(r.Context(), w, http.StatusConflict, "TOKEN_ALREADY_USED", "confirmation token was already used", false, nil)
	case errors.Is(err, pending.ErrOwner):
		writeError(r.Context(), w, http.StatusForbidden, "TOKEN_FORBIDDEN", "confirmation token belongs to another caller", false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "TOKEN_CLAIM_FAILED", "failed to claim the confirmation token", true, nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func queryPayload(query synth.GeneratedQuery) map[string]any {
	return map[string]any{
		"statement":    query.Statement,
		"explanation":  query.Explanation,
		"tables":       query.Tables,
		"is_read_only": query.IsReadOnly,
	}
}

func tablesPayload(tables []schema.Table) []map[string]any {
	payload := make([]map[string]any, 0, len(tables))
	for _, table := range tables {
		columns := make([]map[string]any, 0, len(table.Columns))
		for _, col := range table.Columns {
			columns = append(columns, map[string]any{
				"name":     col.Name,
				"type":     col.Type,
				"nullable": col.Nullable,
				"primary":  col.IsPK,
			})
		}
		payload = append(payload, map[string]any{
			"name":         table.Name,
			"row_estimate": table.RowEstimate,
			"columns":      columns,
		})
	}
	return payload
}
