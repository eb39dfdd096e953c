package correlate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// rulesSchema is the structural contract for rule files. Operator and
// function enums mirror the evaluators; an unknown value is a load error,
// not a silent no-match at tick time.
const rulesSchema = `{
	"type": "object",
	"required": ["rules"],
	"properties": {
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name", "source_types", "severity"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"enabled": {"type": "boolean"},
					"source_types": {
						"type": "array",
						"minItems": 1,
						"items": {"enum": ["siem", "vulnerability-scanner", "cloud-security", "ticketing"]}
					},
					"conditions": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["field", "operator"],
							"properties": {
								"field": {"type": "string", "minLength": 1},
								"operator": {"enum": ["eq", "ne", "gt", "gte", "lt", "lte", "in", "contains"]},
								"case_insensitive": {"type": "boolean"}
							}
						}
					},
					"aggregations": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["field", "function"],
							"properties": {
								"field": {"type": "string", "minLength": 1},
								"function": {"enum": ["count", "sum", "avg", "min", "max", "unique"]},
								"group_by": {"type": "array", "items": {"type": "string"}},
								"having": {
									"type": "object",
									"required": ["field", "operator"],
									"properties": {
										"field": {"enum": ["count", "value"]},
										"operator": {"enum": ["eq", "ne", "gt", "gte", "lt", "lte"]}
									}
								}
							}
						}
					},
					"severity": {"enum": ["critical", "high", "medium", "low", "info"]},
					"tags": {"type": "array", "items": {"type": "string"}},
					"actions": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["type"],
							"properties": {
								"type": {"enum": ["create-threat", "update-threat", "create-ticket", "send-alert", "execute-playbook"]},
								"parameters": {"type": "object"}
							}
						}
					}
				}
			}
		}
	}
}`

var compiledRulesSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://fusion.schemas.local/correlation-rules.schema.json"
	if err := c.AddResource(url, strings.NewReader(rulesSchema)); err != nil {
		panic(fmt.Sprintf("rules schema load: %v", err))
	}
	return c.MustCompile(url)
}()

// LoadRules reads a YAML rule file, validates it against the rules schema
// and returns the rules in file order.
func LoadRules(path string) ([]model.CorrelationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules validates and decodes a YAML rule document.
func ParseRules(data []byte) ([]model.CorrelationRule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	// Round-trip through JSON so the schema validator sees plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if err := compiledRulesSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("rules rejected: %w", err)
	}

	var parsed struct {
		Rules []model.CorrelationRule `json:"rules"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return parsed.Rules, nil
}
