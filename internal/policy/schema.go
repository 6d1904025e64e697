package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for aegis.yaml governance configuration.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "aegis.yaml Configuration",
  "description": "Unite-Hub action governance configuration v1.0",
  "type": "object",
  "required": ["agent", "sandbox", "risk", "approval"],
  "additionalProperties": true,
  "properties": {
    "agent": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_-]+$"},
        "description": {"type": "string"},
        "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"}
      }
    },
    "sandbox": {
      "type": "object",
      "required": ["max_steps", "actions_per_minute", "allowed_origins", "blocked_actions"],
      "properties": {
        "max_steps": {"type": "integer", "minimum": 1},
        "step_timeout_ms": {"type": "integer", "minimum": 0},
        "session_timeout_ms": {"type": "integer", "minimum": 0},
        "actions_per_minute": {"type": "integer", "minimum": 1},
        "sessions_per_hour": {"type": "integer", "minimum": 0},
        "allowed_origins": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "blocked_actions": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "risk": {
      "type": "object",
      "properties": {
        "approval_threshold": {"type": "number", "minimum": 0, "maximum": 100},
        "confidence_floor": {"type": "number", "minimum": 0, "maximum": 1},
        "approval_class_bonus": {"type": "number", "minimum": 0},
        "suspicious_target_bonus": {"type": "number", "minimum": 0},
        "critical_match_bonus": {"type": "number", "minimum": 0},
        "max_plan_steps": {"type": "integer", "minimum": 1},
        "low_confidence_warn_ratio": {"type": "number", "minimum": 0, "maximum": 1},
        "approval_classes": {"type": "array", "items": {"type": "string"}},
        "suspicious_target_patterns": {"type": "array", "items": {"type": "string"}},
        "known_actions": {"type": "array", "items": {"type": "string"}}
      }
    },
    "approval": {
      "type": "object",
      "properties": {
        "approval_timeout_ms": {"type": "integer", "minimum": 0},
        "auto_reject_on_timeout": {"type": "boolean"}
      }
    },
    "trust": {
      "type": "object",
      "properties": {
        "max_daily_actions": {"type": "integer", "minimum": 0},
        "max_risk_level": {"type": "string", "enum": ["low", "medium", "high"]},
        "window_start": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
        "window_end": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
        "timezone": {"type": "string"}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "log_retention_days": {"type": "integer", "minimum": 1}
      }
    },
    "critical_rules": {"type": "string"}
  }
}`

// ValidateSchema validates YAML content against the aegis.yaml JSON schema.
// When strict is true, additional business-rule checks are applied that a
// structurally valid file can still fail (e.g. an empty origin allow-list).
func ValidateSchema(content []byte, strict bool) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("converting to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(schemaV1)
	docLoader := gojsonschema.NewBytesLoader(jsonBytes)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid configuration: %v", msgs)
	}

	if strict {
		return validateStrict(doc)
	}
	return nil
}

// validateStrict applies business rules beyond structural validation.
func validateStrict(doc map[string]interface{}) error {
	sandbox, _ := doc["sandbox"].(map[string]interface{})
	if sandbox == nil {
		return nil
	}
	origins, _ := sandbox["allowed_origins"].([]interface{})
	if len(origins) == 0 {
		return fmt.Errorf("sandbox.allowed_origins must have at least one entry in strict mode")
	}
	return nil
}
