package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the versioned security policy: penalty table, pass threshold,
// per-role table allowlists, and the sensitive-column denylist. It is kept
// as explicit data rather than prose logic so policy changes are auditable.
type Config struct {
	Version          int               `yaml:"version"`
	PassThreshold    int               `yaml:"pass_threshold"`
	Penalties        map[Severity]int  `yaml:"penalties"`
	SensitiveColumns []string          `yaml:"sensitive_columns"`
	RoleTables       map[Role][]string `yaml:"roles"`
	Limits           Limits            `yaml:"limits"`
}

type Limits struct {
	MaxStatementLength int `yaml:"max_statement_length"`
	MaxNestingDepth    int `yaml:"max_nesting_depth"`
}

// TableWildcard in a role's allowlist grants access to every table.
const TableWildcard = "*"

func DefaultConfig() Config {
	return Config{
		Version:       1,
		PassThreshold: 80,
		Penalties: map[Severity]int{
			SeverityCritical: 100,
			SeverityHigh:     40,
			SeverityMedium:   15,
			SeverityLow:      5,
		},
		SensitiveColumns: []string{
			"password",
			"password_hash",
			"api_key_hash",
			"session_token",
			"totp_secret",
			"reset_token",
			"stripe_secret",
		},
		RoleTables: map[Role][]string{
			RoleOperator: {TableWildcard},
			RoleTenantUser: {
				"users",
				"clients",
				"projects",
				"tasks",
				"time_entries",
				"expenses",
				"expense_categories",
				"invoices",
				"invoice_lines",
				"billing_rates",
				"tags",
				"approvals",
			},
			RoleAnonymous: {},
		},
		Limits: Limits{
			MaxStatementLength: 4000,
			MaxNestingDepth:    8,
		},
	}
}

// LoadFile reads a policy file and overlays it on the defaults, so a policy
// file only needs to state what it changes. An empty path returns defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Config{}, fmt.Errorf("parse policy file: %w", err)
	}

	if overlay.Version > 0 {
		cfg.Version = overlay.Version
	}
	if overlay.PassThreshold > 0 {
		cfg.PassThreshold = overlay.PassThreshold
	}
	for severity, penalty := range overlay.Penalties {
		cfg.Penalties[severity] = penalty
	}
	if len(overlay.SensitiveColumns) > 0 {
		cfg.SensitiveColumns = overlay.SensitiveColumns
	}
	for role, tables := range overlay.RoleTables {
		cfg.RoleTables[role] = tables
	}
	if overlay.Limits.MaxStatementLength > 0 {
		cfg.Limits.MaxStatementLength = overlay.Limits.MaxStatementLength
	}
	if overlay.Limits.MaxNestingDepth > 0 {
		cfg.Limits.MaxNestingDepth = overlay.Limits.MaxNestingDepth
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PassThreshold < 0 || c.PassThreshold > 100 {
		return fmt.Errorf("pass_threshold must be between 0 and 100, got %d", c.PassThreshold)
	}
	for severity, penalty := range c.Penalties {
		if severity.rank() == 0 {
			return fmt.Errorf("unknown severity %q in penalty table", severity)
		}
		if penalty < 0 {
			return fmt.Errorf("penalty for %q must not be negative", severity)
		}
	}
	return nil
}

func (c Config) allowedTables(role Role) (map[string]bool, bool) {
	tables, ok := c.RoleTables[role]
	if !ok {
		return nil, false
	}
	allowed := make(map[string]bool, len(tables))
	wildcard := false
	for _, table := range tables {
		name := strings.ToLower(strings.TrimSpace(table))
		if name == TableWildcard {
			wildcard = true
			continue
		}
		if name != "" {
			allowed[name] = true
		}
	}
	return allowed, wildcard
}
