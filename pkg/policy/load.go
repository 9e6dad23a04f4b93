package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const bundleSchemaURL = "https://relaycore.schemas.local/policy/bundle.schema.json"

// bundleSchema is the structural contract a bundle must satisfy before any
// semantic validation runs. Unknown match keys are rejected so a typoed
// clause cannot silently match everything.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "defaults", "rules"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "low_confidence_below": {"type": "number", "minimum": 0, "maximum": 1},
    "defaults": {
      "type": "object",
      "required": ["no_match", "low_confidence"],
      "properties": {
        "no_match": {"enum": ["REQUIRE_HUMAN", "DENY"]},
        "low_confidence": {"enum": ["REQUIRE_HUMAN", "DENY"]}
      },
      "additionalProperties": false
    },
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },
  "additionalProperties": false,
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "action": {"enum": ["AUTO_REPLY", "REQUIRE_HUMAN", "DENY", "NOTIFY_ONLY"]},
        "value": {"type": "string"},
        "match": {"$ref": "#/$defs/match"}
      },
      "additionalProperties": false
    },
    "match": {
      "type": "object",
      "properties": {
        "type": {"enum": ["YES_NO", "CONFIRM_ENTER", "MULTIPLE_CHOICE", "FREE_TEXT", "UNKNOWN"]},
        "min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "max_confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "excerpt_contains": {"type": "string", "minLength": 1},
        "excerpt_regex": {"type": "string", "minLength": 1, "maxLength": 512},
        "session_tag": {"type": "string", "minLength": 1},
        "tool": {"type": "string", "minLength": 1},
        "any_of": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/match"}},
        "none_of": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/match"}}
      },
      "additionalProperties": false
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(bundleSchemaURL, strings.NewReader(bundleSchema)); err != nil {
		panic(fmt.Sprintf("policy: schema resource: %v", err))
	}
	s, err := c.Compile(bundleSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("policy: schema compile: %v", err))
	}
	return s
}

// Policy is a validated, compiled bundle ready for evaluation.
type Policy struct {
	bundle   Bundle
	rules    []compiledRule
	hash     string
	lowBound float64
}

type compiledRule struct {
	id     string
	action string
	value  string
	pred   predicate
}

// Bundle returns the parsed source document.
func (p *Policy) Bundle() Bundle { return p.bundle }

// Hash returns the canonical content hash of the bundle. A reload with
// different content yields a different hash, which in turn invalidates
// idempotency keys derived from it.
func (p *Policy) Hash() string { return p.hash }

// Parse validates and compiles a YAML policy bundle. All misconfiguration is
// rejected here; a Policy that loads cannot fail at evaluation time.
func Parse(data []byte) (*Policy, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}

	// Round-trip through encoding/json so the schema validator sees the
	// exact value shapes it expects.
	buf, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalize for schema check: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("policy: decode for schema check: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policy: schema validation failed: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("policy: decode bundle: %w", err)
	}
	if bundle.LowConfidenceBelow == 0 {
		bundle.LowConfidenceBelow = 0.65
	}
	if err := bundle.validate(); err != nil {
		return nil, err
	}

	rules := make([]compiledRule, 0, len(bundle.Rules))
	for _, spec := range bundle.Rules {
		pred, err := compileMatch(spec.Match)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", spec.ID, err)
		}
		rules = append(rules, compiledRule{
			id:     spec.ID,
			action: string(spec.Action),
			value:  spec.Value,
			pred:   pred,
		})
	}

	hash, err := canonicalHash(bundle)
	if err != nil {
		return nil, fmt.Errorf("policy: hash bundle: %w", err)
	}

	return &Policy{
		bundle:   bundle,
		rules:    rules,
		hash:     hash,
		lowBound: bundle.LowConfidenceBelow,
	}, nil
}

// LoadFile parses a bundle from disk.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}
