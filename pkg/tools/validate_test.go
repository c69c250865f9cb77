package tools

import (
	"testing"

	"github.com/opal-dev/opal/pkg/ai"
)

func numDef(name string) ai.ToolDefinition {
	return ai.ToolDefinition{
		Name: name,
		Parameters: MustSchema(SimpleSchema{
			Properties: map[string]Property{
				"count":   {Type: "integer"},
				"ratio":   {Type: "number"},
				"enabled": {Type: "boolean"},
				"label":   {Type: "string"},
			},
		}),
	}
}

func TestValidateCoercesStringArgs(t *testing.T) {
	args, err := ValidateArgs(numDef("coerce"), map[string]any{
		"count":   "3",
		"ratio":   "0.5",
		"enabled": "true",
		"label":   "x",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if args["count"] != int64(3) {
		t.Fatalf("count = %T %v", args["count"], args["count"])
	}
	if args["ratio"] != 0.5 {
		t.Fatalf("ratio = %v", args["ratio"])
	}
	if args["enabled"] != true {
		t.Fatalf("enabled = %v", args["enabled"])
	}
	if args["label"] != "x" {
		t.Fatalf("label = %v", args["label"])
	}
}

func TestValidateUncoercibleStringFails(t *testing.T) {
	if _, err := ValidateArgs(numDef("strict"), map[string]any{"count": "lots"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateMissingRequired(t *testing.T) {
	def := ai.ToolDefinition{
		Name: "req",
		Parameters: MustSchema(SimpleSchema{
			Properties: map[string]Property{"input": {Type: "string"}},
			Required:   []string{"input"},
		}),
	}
	if _, err := ValidateArgs(def, map[string]any{}); err == nil {
		t.Fatal("expected missing-required error")
	}
	if _, err := ValidateArgs(def, nil); err == nil {
		t.Fatal("expected missing-required error for nil args")
	}
}

func TestValidateEmptySchemaPassesThrough(t *testing.T) {
	def := ai.ToolDefinition{Name: "free"}
	args := map[string]any{"anything": 1}
	got, err := ValidateArgs(def, args)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got["anything"] != 1 {
		t.Fatalf("got = %v", got)
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	if _, err := ValidateArgs(numDef("types"), map[string]any{"count": []any{1}}); err == nil {
		t.Fatal("expected type error")
	}
}
