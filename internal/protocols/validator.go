package protocols

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/protocol-v1.json
var protocolSchemaJSON string

const CodeInvalidProtocolFile = "InvalidProtocolFile"

// Source is a parsed protocol file.
type Source struct {
	Metadata map[string]any
	Commands []engine.CommandRequest
}

type protocolFile struct {
	SchemaVersion int               `json:"schemaVersion"`
	Metadata      map[string]any    `json:"metadata"`
	Commands      []protocolCommand `json:"commands"`
}

type protocolCommand struct {
	CommandType string          `json:"commandType"`
	Key         string          `json:"key"`
	Params      json.RawMessage `json:"params"`
}

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("protocol-v1.json",
		strings.NewReader(protocolSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("protocol-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalidFile("invalid JSON: %v", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return invalidFile("schema validation failed: %v", err)
	}

	return nil
}

// Parse validates data and turns its commands into protocol command
// requests.
func (v *Validator) Parse(data []byte) (Source, error) {
	if err := v.Validate(data); err != nil {
		return Source{}, err
	}

	var file protocolFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Source{}, invalidFile("invalid protocol: %v", err)
	}

	src := Source{
		Metadata: file.Metadata,
		Commands: make([]engine.CommandRequest, 0, len(file.Commands)),
	}
	for i, c := range file.Commands {
		params := c.Params
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		spec, err := engine.DecodeCommandSpec(c.CommandType, params)
		if err != nil {
			return Source{}, invalidFile("command %d: %v", i, err)
		}
		src.Commands = append(src.Commands, engine.CommandRequest{
			Spec:   spec,
			Intent: engine.IntentProtocol,
			Key:    c.Key,
		})
	}
	return src, nil
}

func invalidFile(format string, args ...any) error {
	return types.NewError(types.ErrInvalid, CodeInvalidProtocolFile, format, args...)
}
