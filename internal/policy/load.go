package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ruleSchema validates rule documents before they are decoded. A document
// that fails here never reaches the evaluator; rule files are the process's
// security boundary and load failures are startup-fatal.
const ruleSchema = `{
  "type": "object",
  "required": ["version"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "global": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "roles": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
    },
    "visibility": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    }
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "effect"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "categories": {
          "type": "array",
          "items": {"enum": ["read", "write", "ddl", "dcl", "unknown"]}
        },
        "object_pattern": {"type": "string"},
        "hidden_write": {"type": "boolean"},
        "window": {
          "type": "object",
          "required": ["start", "end"],
          "additionalProperties": false,
          "properties": {
            "start": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
            "end": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
            "days": {"type": "array", "items": {"type": "string"}}
          }
        },
        "unless_forced": {"type": "boolean"},
        "effect": {"enum": ["allow", "deny", "bound", "require_approval"]},
        "reason": {"type": "string"},
        "bound": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "row_limit": {"type": "integer", "minimum": 0},
            "timeout_seconds": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

// LoadRuleSet reads and validates a YAML rule file.
func LoadRuleSet(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRuleSet: %w", err)
	}
	rs, err := ParseRuleSet(raw)
	if err != nil {
		return nil, fmt.Errorf("LoadRuleSet %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet validates raw YAML against the rule schema and decodes it.
func ParseRuleSet(raw []byte) (*RuleSet, error) {
	if err := validateRuleDoc(raw); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var rs RuleSet
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	if err := checkRuleIDs(&rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// validateRuleDoc runs the raw document through the JSON Schema. The YAML is
// round-tripped through encoding/json so the validator sees JSON-shaped values.
func validateRuleDoc(raw []byte) error {
	var yamlDoc any
	if err := yaml.Unmarshal(raw, &yamlDoc); err != nil {
		return fmt.Errorf("rules are not valid YAML: %w", err)
	}
	jsonBytes, err := json.Marshal(yamlDoc)
	if err != nil {
		return fmt.Errorf("rules are not JSON-representable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("rules round-trip failed: %w", err)
	}

	var schemaObj any
	if err := json.Unmarshal([]byte(ruleSchema), &schemaObj); err != nil {
		return fmt.Errorf("rule schema unmarshal: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("rules.json", schemaObj); err != nil {
		return fmt.Errorf("rule schema compile: %w", err)
	}
	sch, err := c.Compile("rules.json")
	if err != nil {
		return fmt.Errorf("rule schema compile: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("rule document invalid: %w", err)
	}
	return nil
}

// checkRuleIDs rejects duplicate rule ids across the whole hierarchy so
// audit records and reason codes stay unambiguous.
func checkRuleIDs(rs *RuleSet) error {
	seen := make(map[string]bool)
	check := func(rules []Rule) error {
		for _, r := range rules {
			if seen[r.ID] {
				return fmt.Errorf("duplicate rule id %q", r.ID)
			}
			seen[r.ID] = true
		}
		return nil
	}
	if err := check(rs.Global); err != nil {
		return err
	}
	for _, rules := range rs.Roles {
		if err := check(rules); err != nil {
			return err
		}
	}
	return nil
}
