// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package flatfile

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/permbase/permbase/internal/rank"
)

// Compiled schemas are cached; the reflected types are immutable at runtime.
var (
	rankSchemaCache      *jschema.Schema
	principalSchemaCache *jschema.Schema
)

// GenerateRankSchema generates the JSON Schema for a stored rank.
func GenerateRankSchema() ([]byte, error) {
	return generateSchema(&rank.Rank{}, "Permbase Rank",
		"Schema for entries in the ranks.json flat file")
}

// GeneratePrincipalSchema generates the JSON Schema for a principal record.
func GeneratePrincipalSchema() ([]byte, error) {
	return generateSchema(&rank.Principal{}, "Permbase Principal",
		"Schema for per-principal JSON flat files")
}

func generateSchema(v any, title, description string) ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(v)
	schema.Title = title
	schema.Description = description

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.With("schema", title).Wrap(err)
	}
	return data, nil
}

// validateRankJSON checks raw file bytes against the rank schema before they
// are trusted, so a hand-edited file cannot load half-broken state.
func validateRankJSON(data []byte) error {
	if rankSchemaCache == nil {
		sch, err := compileSchema(GenerateRankSchema)
		if err != nil {
			return err
		}
		rankSchemaCache = sch
	}
	return validate(rankSchemaCache, data)
}

// validatePrincipalJSON checks raw file bytes against the principal schema.
func validatePrincipalJSON(data []byte) error {
	if principalSchemaCache == nil {
		sch, err := compileSchema(GeneratePrincipalSchema)
		if err != nil {
			return err
		}
		principalSchemaCache = sch
	}
	return validate(principalSchemaCache, data)
}

func compileSchema(generate func() ([]byte, error)) (*jschema.Schema, error) {
	schemaBytes, err := generate()
	if err != nil {
		return nil, err
	}

	var schemaData any
	if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
		return nil, oops.Wrap(err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaData); err != nil {
		return nil, oops.Wrap(err)
	}
	return c.Compile("schema.json")
}

func validate(sch *jschema.Schema, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return oops.Code("INVALID_ARGUMENT").Wrap(err)
	}
	if err := sch.Validate(doc); err != nil {
		return oops.Code("INVALID_ARGUMENT").Wrap(err)
	}
	return nil
}
