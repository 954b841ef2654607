package connector

import (
	"encoding/json"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/faucetdb/sluice/internal/model"
)

// BodyConstraints are an endpoint's request body rules compiled once per
// resolution.
type BodyConstraints struct {
	schema    *openapi3.Schema
	blacklist []string
	pattern   *regexp.Regexp
}

// CompileConstraints compiles an endpoint's body schema, blacklist, and
// pattern. It returns nil when the endpoint declares none.
func CompileConstraints(e *model.Endpoint) (*BodyConstraints, error) {
	if len(e.BodySchema) == 0 && len(e.BodyBlacklist) == 0 && e.BodyPattern == "" {
		return nil, nil
	}
	bc := &BodyConstraints{blacklist: e.BodyBlacklist}
	if len(e.BodySchema) > 0 {
		var schema openapi3.Schema
		if err := json.Unmarshal(e.BodySchema, &schema); err != nil {
			return nil, fmt.Errorf("parse body schema: %w", err)
		}
		bc.schema = &schema
	}
	if e.BodyPattern != "" {
		re, err := regexp.Compile(e.BodyPattern)
		if err != nil {
			return nil, fmt.Errorf("compile body pattern: %w", err)
		}
		bc.pattern = re
	}
	return bc, nil
}

// NeedsBody reports whether Check must see the full request body.
func (bc *BodyConstraints) NeedsBody() bool {
	return bc != nil
}

// Check validates body against the constraints and returns per-field
// violations. Schema and blacklist rules apply only to JSON bodies.
func (bc *BodyConstraints) Check(body []byte, contentType string) map[string]string {
	if bc == nil {
		return nil
	}
	fields := map[string]string{}

	if bc.pattern != nil && !bc.pattern.Match(body) {
		fields["body"] = "does not match the required pattern"
	}

	if (bc.schema != nil || len(bc.blacklist) > 0) && isJSON(contentType) && len(body) > 0 {
		var doc interface{}
		if err := json.Unmarshal(body, &doc); err != nil {
			fields["body"] = "invalid JSON"
			return fields
		}
		if obj, ok := doc.(map[string]interface{}); ok {
			for _, k := range bc.blacklist {
				if _, present := obj[k]; present {
					fields[k] = "field is not allowed"
				}
			}
		}
		if bc.schema != nil {
			if err := bc.schema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
				fields["body"] = schemaMessage(err)
			}
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}

func schemaMessage(err error) string {
	if me, ok := err.(openapi3.MultiError); ok && len(me) > 0 {
		msgs := make([]string, 0, len(me))
		for _, e := range me {
			if se, ok := e.(*openapi3.SchemaError); ok {
				msgs = append(msgs, se.Reason)
				continue
			}
			msgs = append(msgs, e.Error())
		}
		return strings.Join(msgs, "; ")
	}
	if se, ok := err.(*openapi3.SchemaError); ok {
		return se.Reason
	}
	return err.Error()
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
