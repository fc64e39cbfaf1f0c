package protocols

import (
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func TestValidatorParse(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	src, err := v.Parse([]byte(`{
		"schemaVersion": 1,
		"metadata": {"protocolName": "serial dilution"},
		"commands": [
			{"commandType": "home"},
			{"commandType": "aspirate", "key": "asp-1", "params": {"mount": "left", "volume": 50, "flowRate": 10}},
			{"commandType": "waitForResume", "params": {"message": "swap plate"}}
		]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if src.Metadata["protocolName"] != "serial dilution" {
		t.Errorf("metadata = %v", src.Metadata)
	}
	if len(src.Commands) != 3 {
		t.Fatalf("got %d commands, want 3", len(src.Commands))
	}
	for _, req := range src.Commands {
		if req.Intent != engine.IntentProtocol {
			t.Errorf("command %s has intent %s", req.Spec.CommandType(), req.Intent)
		}
	}
	if src.Commands[1].Key != "asp-1" {
		t.Errorf("key = %q, want asp-1", src.Commands[1].Key)
	}
	if _, ok := src.Commands[2].Spec.(engine.WaitForResumeParams); !ok {
		t.Errorf("third command spec = %T", src.Commands[2].Spec)
	}
}

func TestValidatorRejects(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"schemaVersion":`},
		{"wrong version", `{"schemaVersion": 2, "metadata": {"protocolName": "x"}, "commands": []}`},
		{"missing name", `{"schemaVersion": 1, "metadata": {}, "commands": []}`},
		{"unknown command", `{"schemaVersion": 1, "metadata": {"protocolName": "x"}, "commands": [{"commandType": "fly"}]}`},
		{"bad params", `{"schemaVersion": 1, "metadata": {"protocolName": "x"}, "commands": [{"commandType": "waitForDuration", "params": {"seconds": -1}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse([]byte(tt.data))
			if types.CodeOf(err) != CodeInvalidProtocolFile {
				t.Fatalf("got %v, want %s", err, CodeInvalidProtocolFile)
			}
		})
	}
}
