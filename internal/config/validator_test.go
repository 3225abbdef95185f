package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
		{"invalid never_write glob", func(c *Config) { c.Gate.NeverWrite = []string{"[abc"} }, "gate.never_write[0]"},
		{"relative system prefix", func(c *Config) { c.Gate.SystemPrefixes = []string{"etc"} }, "gate.system_prefixes[0]"},
		{"critical resource without lock name", func(c *Config) {
			c.Gate.CriticalResource = CriticalResourceConfig{Path: "db/schema.sql"}
		}, "gate.critical_resource.lock_name"},
		{"zero ttl", func(c *Config) { c.Lock.DefaultTTL = 0 }, "lock.default_ttl"},
		{"bad branch prefix", func(c *Config) { c.Workspace.BranchPrefix = "1bad" }, "workspace.branch_prefix"},
		{"branch prefix with dots", func(c *Config) { c.Workspace.BranchPrefix = "a..b" }, "workspace.branch_prefix"},
		{"negative idle", func(c *Config) { c.Workspace.MaxIdle = -time.Hour }, "workspace.max_idle"},
		{"zero cooldown", func(c *Config) { c.Nudge.Cooldown = 0 }, "nudge.cooldown"},
		{"commit files zero", func(c *Config) { c.Nudge.CommitFiles = 0 }, "nudge.commit_files"},
		{"context warn above one", func(c *Config) { c.Nudge.ContextWarn = 1.5 }, "nudge.context_warn"},
		{"negative weight", func(c *Config) { c.Pressure.ExcerptWeight = -0.1 }, "pressure.excerpt_weight"},
		{"thresholds out of order", func(c *Config) { c.Pressure.Critical = 0.6 }, "pressure.critical"},
		{"threshold above one", func(c *Config) { c.Pressure.Force = 1.2 }, "pressure.force"},
		{"block at normal", func(c *Config) { c.Pressure.BlockAt = "normal" }, "pressure.block_at"},
		{"label without patterns", func(c *Config) {
			c.Labels = []AreaLabelConfig{{Name: "db"}}
		}, "labels[0].patterns"},
		{"label bad name", func(c *Config) {
			c.Labels = []AreaLabelConfig{{Name: "DB Layer", Patterns: []string{"*.sql"}}}
		}, "labels[0].name"},
		{"duplicate label", func(c *Config) {
			c.Labels = []AreaLabelConfig{
				{Name: "db", Patterns: []string{"*.sql"}},
				{Name: "db", Patterns: []string{"migrations/**"}},
			}
		}, "labels[1].name"},
		{"label bad pattern", func(c *Config) {
			c.Labels = []AreaLabelConfig{{Name: "db", Patterns: []string{"{a,b"}}}
		}, "labels[0].patterns[0]"},
		{"bad sweep schedule", func(c *Config) { c.Schedule.Sweep = "every hour" }, "schedule.sweep"},
		{"bad monitor schedule", func(c *Config) { c.Schedule.Monitor = "61 * * * *" }, "schedule.monitor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			errs := cfg.Validate()
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected validation error on %q, got %v", tt.wantField, ValidationErrors(errs))
			}
		})
	}
}
