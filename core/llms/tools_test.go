package llms

import (
	"fmt"
	"testing"
)

type weatherParams struct {
	City string `json:"city" jsonschema:"required,description=City to look up"`
	Days int    `json:"days,omitempty"`
}

func TestNewToolReflectsParameterSchema(t *testing.T) {
	tool := NewTool("get_weather", "Look up the weather", func(p weatherParams) (string, error) {
		return "", nil
	})

	if tool.Name != "get_weather" {
		t.Fatalf("expected the tool name, got %q", tool.Name)
	}
	if tool.Parameters == nil {
		t.Fatalf("expected a reflected parameter schema")
	}
	if _, ok := tool.Parameters.Properties.Get("city"); !ok {
		t.Fatalf("expected the city property in the reflected schema")
	}
	if !tool.Callable() {
		t.Fatalf("expected the tool to be callable")
	}
}

func TestToolCallDecodesArgumentsAndWrapsResult(t *testing.T) {
	tool := NewTool("get_weather", "Look up the weather", func(p weatherParams) (string, error) {
		return fmt.Sprintf("sunny in %s", p.City), nil
	})

	result, err := tool.Call(map[string]any{"city": "Zagreb"})
	if err != nil {
		t.Fatalf("expected the call to succeed, got %v", err)
	}
	if got := result["result"]; got != "sunny in Zagreb" {
		t.Fatalf("expected the wrapped result, got %v", got)
	}
}

func TestToolCallSurfacesExecutionErrors(t *testing.T) {
	tool := NewTool("flaky", "Always fails", func(weatherParams) (string, error) {
		return "", fmt.Errorf("backend unavailable")
	})

	if _, err := tool.Call(map[string]any{}); err == nil {
		t.Fatalf("expected the execution error surfaced")
	}
}

func TestDeclarationOnlyToolRefusesCalls(t *testing.T) {
	tool := Tool{Name: "external"}
	if tool.Callable() {
		t.Fatalf("expected a declaration-only tool to not be callable")
	}
	if _, err := tool.Call(nil); err == nil {
		t.Fatalf("expected an error calling a declaration-only tool")
	}
}
