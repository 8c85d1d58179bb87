package llms

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Tool is a function the model may ask to have executed. Name, Description
// and Parameters are declared to the model at connection setup; Execute is
// optional and only used when the session runs tool calls locally.
type Tool struct {
	Name        string
	Description string
	// Parameters describes the tool's argument object. Nil means the tool
	// takes no arguments.
	Parameters *jsonschema.Schema

	execute func(args map[string]any) (map[string]any, error)
}

// NewTool declares a tool whose arguments are described by the parameters
// struct type. The execute function receives decoded arguments and returns
// the textual result delivered back to the model.
func NewTool[T any](name string, description string, execute func(parameters T) (string, error)) Tool {
	reflector := jsonschema.Reflector{DoNotReference: true}

	var parameters T
	var schema *jsonschema.Schema
	if reflect.TypeOf(parameters) != nil && reflect.TypeOf(parameters).Kind() == reflect.Ptr {
		schema = reflector.ReflectFromType(reflect.TypeOf(parameters).Elem())
	} else {
		schema = reflector.Reflect(parameters)
	}

	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		execute: func(args map[string]any) (map[string]any, error) {
			rawArgs, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
			}

			var parameters T
			if err := json.Unmarshal(rawArgs, &parameters); err != nil {
				return nil, fmt.Errorf("failed to decode tool arguments: %w", err)
			}

			result, err := execute(parameters)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": result}, nil
		},
	}
}

// Callable reports whether the tool can be executed locally.
func (t Tool) Callable() bool {
	return t.execute != nil
}

// Call executes the tool with the given arguments.
func (t Tool) Call(args map[string]any) (map[string]any, error) {
	if t.execute == nil {
		return nil, fmt.Errorf("tool %q is declaration-only", t.Name)
	}
	return t.execute(args)
}
