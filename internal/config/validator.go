package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Iron-Ham/guardian/internal/pattern"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pressure.warning")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_/-]*$`)

// labelNameRegex validates area label names
var labelNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidSeverities returns the severity names accepted by pressure.block_at,
// lowest first.
func ValidSeverities() []string {
	return []string{"normal", "warning", "orange", "critical", "force"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateGate()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateWorkspace()...)
	errors = append(errors, c.validateNudge()...)
	errors = append(errors, c.validatePressure()...)
	errors = append(errors, ValidateLabels(c.Labels)...)
	errors = append(errors, c.validateSchedule()...)

	if strings.ContainsRune(c.StateDir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "state_dir",
			Value:   c.StateDir,
			Message: "path contains invalid null character",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateGate checks that every gate glob compiles.
func (c *Config) validateGate() []ValidationError {
	var errors []ValidationError

	globLists := []struct {
		field string
		globs []string
	}{
		{"gate.pressure_allowed", c.Gate.PressureAllowed},
		{"gate.never_write", c.Gate.NeverWrite},
		{"gate.sensitive", c.Gate.Sensitive},
	}
	for _, list := range globLists {
		for i, g := range list.globs {
			if _, err := pattern.Compile(g); err != nil {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", list.field, i),
					Value:   g,
					Message: err.Error(),
				})
			}
		}
	}

	for i, prefix := range c.Gate.SystemPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("gate.system_prefixes[%d]", i),
				Value:   prefix,
				Message: "must be an absolute path",
			})
		}
	}

	cr := c.Gate.CriticalResource
	if cr.Path != "" {
		if _, err := pattern.Compile(cr.Path); err != nil {
			errors = append(errors, ValidationError{
				Field:   "gate.critical_resource.path",
				Value:   cr.Path,
				Message: err.Error(),
			})
		}
		if cr.LockName == "" {
			errors = append(errors, ValidationError{
				Field:   "gate.critical_resource.lock_name",
				Value:   cr.LockName,
				Message: "required when critical_resource.path is set",
			})
		}
	}

	return errors
}

func (c *Config) validateLock() []ValidationError {
	return positiveDuration("lock.default_ttl", c.Lock.DefaultTTL)
}

// validateWorkspace validates the WorkspaceConfig
func (c *Config) validateWorkspace() []ValidationError {
	var errors []ValidationError

	if c.Workspace.BranchPrefix == "" || !branchPrefixRegex.MatchString(c.Workspace.BranchPrefix) {
		errors = append(errors, ValidationError{
			Field:   "workspace.branch_prefix",
			Value:   c.Workspace.BranchPrefix,
			Message: "must start with a letter and contain only letters, digits, '_', '-', '/'",
		})
	}
	if strings.Contains(c.Workspace.BranchPrefix, "..") || strings.HasSuffix(c.Workspace.BranchPrefix, "/") {
		errors = append(errors, ValidationError{
			Field:   "workspace.branch_prefix",
			Value:   c.Workspace.BranchPrefix,
			Message: "must not contain '..' or end with '/'",
		})
	}

	errors = append(errors, positiveDuration("workspace.max_idle", c.Workspace.MaxIdle)...)
	return errors
}

// validateNudge validates the NudgeConfig
func (c *Config) validateNudge() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positiveDuration("nudge.cooldown", c.Nudge.Cooldown)...)
	errors = append(errors, positiveDuration("nudge.commit_after", c.Nudge.CommitAfter)...)
	errors = append(errors, positiveDuration("nudge.test_after", c.Nudge.TestAfter)...)

	if c.Nudge.CommitFiles < 1 {
		errors = append(errors, ValidationError{
			Field:   "nudge.commit_files",
			Value:   c.Nudge.CommitFiles,
			Message: "must be at least 1",
		})
	}
	if c.Nudge.ContextWarn <= 0 || c.Nudge.ContextWarn > 1 {
		errors = append(errors, ValidationError{
			Field:   "nudge.context_warn",
			Value:   c.Nudge.ContextWarn,
			Message: "must be in (0, 1]",
		})
	}

	return errors
}

// validatePressure checks weights and the ordering of severity thresholds.
func (c *Config) validatePressure() []ValidationError {
	var errors []ValidationError
	p := c.Pressure

	weights := []struct {
		field string
		value float64
	}{
		{"pressure.consultation_weight", p.ConsultationWeight},
		{"pressure.excerpt_weight", p.ExcerptWeight},
		{"pressure.tool_call_weight", p.ToolCallWeight},
	}
	for _, w := range weights {
		if w.value < 0 {
			errors = append(errors, ValidationError{Field: w.field, Value: w.value, Message: "must be non-negative"})
		}
	}

	thresholds := []struct {
		field string
		value float64
	}{
		{"pressure.warning", p.Warning},
		{"pressure.orange", p.Orange},
		{"pressure.critical", p.Critical},
		{"pressure.force", p.Force},
	}
	for i, th := range thresholds {
		if th.value <= 0 || th.value > 1 {
			errors = append(errors, ValidationError{Field: th.field, Value: th.value, Message: "must be in (0, 1]"})
			continue
		}
		if i > 0 && th.value <= thresholds[i-1].value {
			errors = append(errors, ValidationError{
				Field:   th.field,
				Value:   th.value,
				Message: fmt.Sprintf("must be greater than %s (%v)", thresholds[i-1].field, thresholds[i-1].value),
			})
		}
	}

	if !slices.Contains(ValidSeverities(), p.BlockAt) || p.BlockAt == "normal" {
		errors = append(errors, ValidationError{
			Field:   "pressure.block_at",
			Value:   p.BlockAt,
			Message: "must be one of: warning, orange, critical, force",
		})
	}

	return errors
}

// ValidateLabels checks area label definitions. Exported so label files
// loaded outside viper get the same checks.
func ValidateLabels(labels []AreaLabelConfig) []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool, len(labels))

	for i, label := range labels {
		field := fmt.Sprintf("labels[%d]", i)
		if !labelNameRegex.MatchString(label.Name) {
			errors = append(errors, ValidationError{
				Field:   field + ".name",
				Value:   label.Name,
				Message: "must be lowercase alphanumeric with '_', '.', '-'",
			})
		}
		if seen[label.Name] {
			errors = append(errors, ValidationError{Field: field + ".name", Value: label.Name, Message: "duplicate label"})
		}
		seen[label.Name] = true

		if len(label.Patterns) == 0 {
			errors = append(errors, ValidationError{Field: field + ".patterns", Value: label.Patterns, Message: "at least one pattern required"})
		}
		for j, g := range label.Patterns {
			if _, err := pattern.Compile(g); err != nil {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.patterns[%d]", field, j),
					Value:   g,
					Message: err.Error(),
				})
			}
		}
	}

	return errors
}

func positiveDuration(field string, d time.Duration) []ValidationError {
	if d > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: d, Message: "must be a positive duration"}}
}

// validateSchedule checks that non-empty schedule entries parse as cron specs.
func (c *Config) validateSchedule() []ValidationError {
	var errors []ValidationError
	for field, spec := range map[string]string{
		"schedule.sweep":   c.Schedule.Sweep,
		"schedule.monitor": c.Schedule.Monitor,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   spec,
				Message: "invalid cron spec: " + err.Error(),
			})
		}
	}
	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errors
}
