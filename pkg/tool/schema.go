// Copyright 2025 OLAV Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/olavlabs/olav/pkg/fault"
)

// ReflectParams derives a parameter list from a struct type, using its
// json tags and jsonschema annotations. Tool authors declare arguments
// as a typed struct and let reflection keep the contract in sync.
func ReflectParams(v any) []Param {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var params []Param
	if schema.Properties == nil {
		return params
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		param := Param{
			Name:        pair.Key,
			Type:        prop.Type,
			Description: prop.Description,
			Required:    required[pair.Key],
		}
		for _, e := range prop.Enum {
			if s, ok := e.(string); ok {
				param.Enum = append(param.Enum, s)
			}
		}
		params = append(params, param)
	}
	return params
}

// Schema renders the definition as a JSON-schema style map, the form
// model providers expect for tool advertisement.
func (d Definition) Schema() map[string]any {
	properties := make(map[string]any, len(d.Params))
	required := []string{}
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// ValidateArgs checks arguments against the declared parameters.
// Unknown keys, missing required fields and type mismatches all fail
// with BadArguments; the handler is never reached on failure.
func ValidateArgs(def Definition, args map[string]any) error {
	byName := make(map[string]Param, len(def.Params))
	for _, p := range def.Params {
		byName[p.Name] = p
	}

	for name := range args {
		if _, ok := byName[name]; !ok {
			return fault.New(fault.BadArguments, "tool %s: unknown argument %q", def.Name, name)
		}
	}

	for _, p := range def.Params {
		value, present := args[p.Name]
		if !present || value == nil {
			if p.Required {
				return fault.New(fault.BadArguments, "tool %s: missing required argument %q", def.Name, p.Name)
			}
			continue
		}
		if !typeMatches(p.Type, value) {
			return fault.New(fault.BadArguments, "tool %s: argument %q must be %s", def.Name, p.Name, p.Type)
		}
		if len(p.Enum) > 0 {
			s, _ := value.(string)
			if !contains(p.Enum, s) {
				return fault.New(fault.BadArguments, "tool %s: argument %q must be one of %v", def.Name, p.Name, p.Enum)
			}
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "array":
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	// Undeclared types pass; the handler decodes and decides.
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// DecodeArguments decodes a validated argument map into a typed struct
// keyed by json tags.
func DecodeArguments(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fault.Internalf(err, "failed to build argument decoder")
	}
	if err := decoder.Decode(args); err != nil {
		return fault.Wrap(fault.BadArguments, err, "failed to decode arguments")
	}
	return nil
}
