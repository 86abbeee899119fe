package predictor

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const modelSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["features", "classes", "weights", "bias"],
  "properties": {
    "name": {"type": "string"},
    "version": {"type": ["string", "number"]},
    "type": {"enum": ["linear", "softmax"]},
    "features": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "classes": {
      "type": "array", "minItems": 2, "maxItems": 3, "uniqueItems": true,
      "items": {"enum": ["BUY", "SELL", "HOLD"]}
    },
    "weights": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}},
    "bias": {"type": "array", "items": {"type": "number"}},
    "normalization": {
      "type": "object",
      "required": ["mean", "std"],
      "properties": {
        "mean": {"type": "array", "items": {"type": "number"}},
        "std": {"type": "array", "items": {"type": "number"}}
      }
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("model.json", strings.NewReader(modelSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("model.json")
}
