package models

import "fmt"

// FieldMapping maps one CSV header to an output API field.
type FieldMapping struct {
	CSVHeader    string `json:"csvHeader" yaml:"csvHeader"`
	APIField     string `json:"apiField" yaml:"apiField"`
	DataType     string `json:"dataType,omitempty" yaml:"dataType"`
	Required     bool   `json:"required,omitempty" yaml:"required"`
	DefaultValue string `json:"defaultValue,omitempty" yaml:"defaultValue"`
}

// RuleType identifies a transformation rule kind. The set is closed:
// unknown kinds are rejected when the rule is validated.
type RuleType string

const (
	RuleDataType    RuleType = "data_type"
	RuleFormat      RuleType = "format"
	RuleConditional RuleType = "conditional"
	RuleCustom      RuleType = "custom"
)

// Condition operators supported by conditional rules.
const (
	ConditionEquals   = "equals"
	ConditionContains = "contains"
)

// Format operations supported by format rules.
const (
	FormatUppercase = "uppercase"
	FormatLowercase = "lowercase"
	FormatTrim      = "trim"
)

// Target types supported by data_type rules.
const (
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeDate    = "date"
)

// RuleCondition is the two-operator condition language of conditional rules.
type RuleCondition struct {
	Operator string `json:"operator" yaml:"operator"` // equals | contains
	Value    string `json:"value" yaml:"value"`
}

// TransformationRule is one ordered transformation step. Each kind uses only
// its own fields; Validate rejects rules whose kind-specific fields are
// missing or unknown so misconfiguration fails at load time, not per row.
type TransformationRule struct {
	Type        RuleType       `json:"type" yaml:"type"`
	SourceField string         `json:"sourceField" yaml:"sourceField"`
	TargetField string         `json:"targetField,omitempty" yaml:"targetField"`
	Condition   *RuleCondition `json:"condition,omitempty" yaml:"condition"`
	ThenValue   *string        `json:"thenValue,omitempty" yaml:"thenValue"`
	ElseValue   *string        `json:"elseValue,omitempty" yaml:"elseValue"`
	Format      string         `json:"format,omitempty" yaml:"format"`
	TargetType  string         `json:"targetType,omitempty" yaml:"targetType"`
	Order       int            `json:"order" yaml:"order"`
	IsActive    bool           `json:"isActive" yaml:"isActive"`
}

// Validate checks the kind-specific fields of the rule.
func (r *TransformationRule) Validate() error {
	if r.SourceField == "" {
		return fmt.Errorf("rule %q: sourceField is required", r.Type)
	}
	switch r.Type {
	case RuleDataType:
		switch r.TargetType {
		case TypeNumber, TypeInteger, TypeBoolean, TypeDate:
		default:
			return fmt.Errorf("data_type rule: unknown targetType %q", r.TargetType)
		}
	case RuleFormat:
		switch r.Format {
		case FormatUppercase, FormatLowercase, FormatTrim:
		default:
			return fmt.Errorf("format rule: unknown format %q", r.Format)
		}
	case RuleConditional:
		if r.Condition == nil {
			return fmt.Errorf("conditional rule: condition is required")
		}
		switch r.Condition.Operator {
		case ConditionEquals, ConditionContains:
		default:
			return fmt.Errorf("conditional rule: unknown operator %q", r.Condition.Operator)
		}
	case RuleCustom:
		// Reserved extension point; accepted and no-oped.
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// MappingConfig is an externally owned set of field mappings and
// transformation rules applied to each record. Read-only for this core.
type MappingConfig struct {
	ID            string               `json:"id" yaml:"id"`
	Name          string               `json:"name,omitempty" yaml:"name"`
	FieldMappings []FieldMapping       `json:"fieldMappings,omitempty" yaml:"fieldMappings"`
	Rules         []TransformationRule `json:"transformationRules,omitempty" yaml:"transformationRules"`
}

// Validate checks every rule in the config.
func (c *MappingConfig) Validate() error {
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("mapping %s: %w", c.ID, err)
		}
	}
	return nil
}
