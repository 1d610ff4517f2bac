// Package transform applies field mappings and ordered transformation rules
// to individual CSV records.
package transform

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/csvgateway/backend/internal/models"
)

// Truthy strings accepted by boolean coercion, compared case-insensitively.
var truthyValues = map[string]bool{
	"true": true, "1": true, "yes": true, "on": true,
}

// Date layouts tried in order by date coercion.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02.01.2006",
	time.RFC1123,
}

// Engine transforms and validates single records. Stateless and safe for
// concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a transformation engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "transform")}
}

// ApplyRowTransformations maps the row through the config's field mappings,
// then applies every active rule in ascending order. Each rule sees the
// output of the previous one. The input row is never mutated. The returned
// warnings list per-field problems (failed coercions) that left the
// original value in place; they never abort the row.
func (e *Engine) ApplyRowTransformations(row map[string]string, cfg *models.MappingConfig) (map[string]string, []string) {
	out := e.applyFieldMappings(row, cfg)

	var warnings []string
	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if !rule.IsActive {
			continue
		}
		if warn := e.applyRule(out, rule); warn != "" {
			warnings = append(warnings, warn)
		}
	}

	return out, warnings
}

// applyFieldMappings projects the row onto the mapped output fields. A
// mapped field missing from the source becomes "" (never absent), so the
// output shape is stable across rows.
func (e *Engine) applyFieldMappings(row map[string]string, cfg *models.MappingConfig) map[string]string {
	if len(cfg.FieldMappings) == 0 {
		out := make(map[string]string, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}

	out := make(map[string]string, len(cfg.FieldMappings))
	for _, fm := range cfg.FieldMappings {
		value, ok := row[fm.CSVHeader]
		if !ok || value == "" {
			if fm.DefaultValue != "" {
				value = fm.DefaultValue
			} else {
				value = ""
			}
		}
		out[fm.APIField] = value
	}
	return out
}

// applyRule mutates out according to one rule and returns a warning
// message when a coercion failed. Rules never abort the row: a failed
// coercion leaves the original value in place.
func (e *Engine) applyRule(out map[string]string, rule *models.TransformationRule) string {
	value, ok := out[rule.SourceField]
	if !ok {
		return ""
	}

	target := rule.TargetField
	if target == "" {
		target = rule.SourceField
	}

	switch rule.Type {
	case models.RuleDataType:
		coerced, err := CoerceValue(value, rule.TargetType)
		if err != nil {
			e.logger.Warn("type coercion failed, keeping original value",
				"field", rule.SourceField, "targetType", rule.TargetType, "error", err)
			return fmt.Sprintf("field %q: %v", rule.SourceField, err)
		}
		out[target] = coerced

	case models.RuleFormat:
		switch rule.Format {
		case models.FormatUppercase:
			out[target] = strings.ToUpper(value)
		case models.FormatLowercase:
			out[target] = strings.ToLower(value)
		case models.FormatTrim:
			out[target] = strings.TrimSpace(value)
		}

	case models.RuleConditional:
		matched := evalCondition(value, rule.Condition)
		branch := rule.ElseValue
		if matched {
			branch = rule.ThenValue
		}
		// Absent branch value keeps the original.
		if branch != nil {
			out[target] = *branch
		}

	case models.RuleCustom:
		// Reserved extension point. Must not fail processing.
	}

	return ""
}

// evalCondition evaluates the two-operator condition language.
func evalCondition(value string, cond *models.RuleCondition) bool {
	if cond == nil {
		return false
	}
	switch cond.Operator {
	case models.ConditionEquals:
		return value == cond.Value
	case models.ConditionContains:
		return strings.Contains(value, cond.Value)
	}
	return false
}

// CoerceValue converts a raw string to the canonical representation of the
// target type. The returned value is re-serialized as a string so records
// stay uniformly string-keyed for the downstream API.
func CoerceValue(raw, targetType string) (string, error) {
	switch targetType {
	case models.TypeNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return "", fmt.Errorf("not a number: %q", raw)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil

	case models.TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			// Accept floats with no fractional part, e.g. "42.0".
			f, ferr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if ferr != nil || f != float64(int64(f)) {
				return "", fmt.Errorf("not an integer: %q", raw)
			}
			n = int64(f)
		}
		return strconv.FormatInt(n, 10), nil

	case models.TypeBoolean:
		if truthyValues[strings.ToLower(strings.TrimSpace(raw))] {
			return "true", nil
		}
		return "false", nil

	case models.TypeDate:
		trimmed := strings.TrimSpace(raw)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return "", fmt.Errorf("not a recognized date: %q", raw)
	}

	return "", fmt.Errorf("unknown target type %q", targetType)
}

// ValidateRow flags empty field values as warnings. Intentionally lenient:
// stricter schema validation is a mapping-config concern outside this core.
func (e *Engine) ValidateRow(row map[string]string) models.RowResult {
	result := models.RowResult{Valid: true}
	for field, value := range row {
		if value == "" {
			result.AddWarning(fmt.Sprintf("field %q has no value", field))
		}
	}
	return result
}
