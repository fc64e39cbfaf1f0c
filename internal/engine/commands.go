package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/google/uuid"
)

type CommandIntent string

const (
	IntentSetup    CommandIntent = "setup"
	IntentProtocol CommandIntent = "protocol"
	IntentFixit    CommandIntent = "fixit"
)

func ParseIntent(s string) (CommandIntent, error) {
	switch i := CommandIntent(s); i {
	case IntentSetup, IntentProtocol, IntentFixit:
		return i, nil
	case "":
		return IntentProtocol, nil
	}
	return "", fmt.Errorf("unknown command intent: %q", s)
}

type CommandStatus string

const (
	CommandQueued    CommandStatus = "queued"
	CommandRunning   CommandStatus = "running"
	CommandSucceeded CommandStatus = "succeeded"
	CommandFailed    CommandStatus = "failed"
)

// ErrorOccurrence is a failure recorded on a command or a run.
type ErrorOccurrence struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"createdAt"`
	ErrorType     string            `json:"errorType"`
	Detail        string            `json:"detail"`
	IsDefined     bool              `json:"isDefined"`
	WrappedErrors []ErrorOccurrence `json:"wrappedErrors,omitempty"`
}

// NewErrorOccurrence classifies err into a recorded failure.
func NewErrorOccurrence(err error) *ErrorOccurrence {
	occ := &ErrorOccurrence{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		ErrorType: "UnexpectedError",
		Detail:    err.Error(),
	}

	var recoverable *hardware.RecoverableError
	switch {
	case errors.As(err, &recoverable):
		occ.ErrorType = recoverable.ErrorType
		occ.Detail = recoverable.Detail
		occ.IsDefined = true
	case errors.Is(err, hardware.ErrEstopActivated):
		occ.ErrorType = "EStopActivated"
	case errors.Is(err, context.Canceled):
		occ.ErrorType = "RunStopped"
		occ.Detail = "command interrupted because the run was stopped"
	}
	return occ
}

// Command is one unit of robotic work inside a run.
type Command struct {
	ID              string           `json:"id"`
	Key             string           `json:"key"`
	CommandType     string           `json:"commandType"`
	Params          CommandSpec      `json:"params"`
	Intent          CommandIntent    `json:"intent"`
	Status          CommandStatus    `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Result          any              `json:"result,omitempty"`
	Error           *ErrorOccurrence `json:"error,omitempty"`
	FailedCommandID string           `json:"failedCommandId,omitempty"`
}

func (c *Command) UnmarshalJSON(data []byte) error {
	type alias Command
	aux := struct {
		*alias
		Params json.RawMessage `json:"params"`
	}{alias: (*alias)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	spec, err := DecodeCommandSpec(c.CommandType, aux.Params)
	if err != nil {
		return err
	}
	c.Params = spec
	return nil
}

// CommandSpec is the closed set of command parameter types. Each variant
// dispatches itself to the matching CommandHandler method.
type CommandSpec interface {
	CommandType() string
	validate() error
	accept(ctx context.Context, h CommandHandler) (any, error)
}

// CommandHandler executes every command variant. Adding a variant adds a
// method here, so every handler must handle it.
type CommandHandler interface {
	Home(ctx context.Context, p HomeParams) (any, error)
	MoveToWell(ctx context.Context, p MoveToWellParams) (any, error)
	PickUpTip(ctx context.Context, p PickUpTipParams) (any, error)
	DropTip(ctx context.Context, p DropTipParams) (any, error)
	Aspirate(ctx context.Context, p AspirateParams) (any, error)
	Dispense(ctx context.Context, p DispenseParams) (any, error)
	WaitForDuration(ctx context.Context, p WaitForDurationParams) (any, error)
	WaitForResume(ctx context.Context, p WaitForResumeParams) (any, error)
	Comment(ctx context.Context, p CommentParams) (any, error)
}

type HomeParams struct {
	Axes []string `json:"axes,omitempty"`
}

type MoveToWellParams struct {
	Mount hardware.Mount `json:"mount"`
	hardware.WellLocation
}

type PickUpTipParams struct {
	Mount hardware.Mount `json:"mount"`
	hardware.WellLocation
}

type DropTipParams struct {
	Mount hardware.Mount `json:"mount"`
	hardware.WellLocation
}

type AspirateParams struct {
	Mount    hardware.Mount `json:"mount"`
	Volume   float64        `json:"volume"`
	FlowRate float64        `json:"flowRate"`
}

type DispenseParams struct {
	Mount    hardware.Mount `json:"mount"`
	Volume   float64        `json:"volume"`
	FlowRate float64        `json:"flowRate"`
}

type WaitForDurationParams struct {
	Seconds float64 `json:"seconds"`
	Message string  `json:"message,omitempty"`
}

// WaitForResumeParams pauses the run once executed.
type WaitForResumeParams struct {
	Message string `json:"message,omitempty"`
}

type CommentParams struct {
	Message string `json:"message"`
}

func (HomeParams) CommandType() string            { return "home" }
func (MoveToWellParams) CommandType() string      { return "moveToWell" }
func (PickUpTipParams) CommandType() string       { return "pickUpTip" }
func (DropTipParams) CommandType() string         { return "dropTip" }
func (AspirateParams) CommandType() string        { return "aspirate" }
func (DispenseParams) CommandType() string        { return "dispense" }
func (WaitForDurationParams) CommandType() string { return "waitForDuration" }
func (WaitForResumeParams) CommandType() string   { return "waitForResume" }
func (CommentParams) CommandType() string         { return "comment" }

func (p HomeParams) accept(ctx context.Context, h CommandHandler) (any, error) { return h.Home(ctx, p) }
func (p MoveToWellParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.MoveToWell(ctx, p)
}
func (p PickUpTipParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.PickUpTip(ctx, p)
}
func (p DropTipParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.DropTip(ctx, p)
}
func (p AspirateParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.Aspirate(ctx, p)
}
func (p DispenseParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.Dispense(ctx, p)
}
func (p WaitForDurationParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.WaitForDuration(ctx, p)
}
func (p WaitForResumeParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.WaitForResume(ctx, p)
}
func (p CommentParams) accept(ctx context.Context, h CommandHandler) (any, error) {
	return h.Comment(ctx, p)
}

func (HomeParams) validate() error { return nil }

func (p MoveToWellParams) validate() error { return validateWell(p.Mount, p.WellLocation) }
func (p PickUpTipParams) validate() error  { return validateWell(p.Mount, p.WellLocation) }
func (p DropTipParams) validate() error    { return validateWell(p.Mount, p.WellLocation) }

func (p AspirateParams) validate() error { return validateLiquid(p.Mount, p.Volume, p.FlowRate) }
func (p DispenseParams) validate() error { return validateLiquid(p.Mount, p.Volume, p.FlowRate) }

func (p WaitForDurationParams) validate() error {
	if p.Seconds < 0 {
		return fmt.Errorf("seconds must not be negative")
	}
	return nil
}

func (WaitForResumeParams) validate() error { return nil }
func (CommentParams) validate() error       { return nil }

func validateMount(m hardware.Mount) error {
	if m != hardware.MountLeft && m != hardware.MountRight {
		return fmt.Errorf("invalid mount %q", m)
	}
	return nil
}

func validateWell(m hardware.Mount, loc hardware.WellLocation) error {
	if err := validateMount(m); err != nil {
		return err
	}
	if loc.LabwareID == "" || loc.WellName == "" {
		return fmt.Errorf("labwareId and wellName are required")
	}
	return nil
}

func validateLiquid(m hardware.Mount, volume, flowRate float64) error {
	if err := validateMount(m); err != nil {
		return err
	}
	if volume <= 0 {
		return fmt.Errorf("volume must be positive")
	}
	if flowRate < 0 {
		return fmt.Errorf("flowRate must not be negative")
	}
	return nil
}

var specDecoders = map[string]func(json.RawMessage) (CommandSpec, error){
	"home":            decodeSpec[HomeParams],
	"moveToWell":      decodeSpec[MoveToWellParams],
	"pickUpTip":       decodeSpec[PickUpTipParams],
	"dropTip":         decodeSpec[DropTipParams],
	"aspirate":        decodeSpec[AspirateParams],
	"dispense":        decodeSpec[DispenseParams],
	"waitForDuration": decodeSpec[WaitForDurationParams],
	"waitForResume":   decodeSpec[WaitForResumeParams],
	"comment":         decodeSpec[CommentParams],
}

func decodeSpec[T CommandSpec](raw json.RawMessage) (CommandSpec, error) {
	var spec T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// DecodeCommandSpec parses and validates the params of a command type.
func DecodeCommandSpec(commandType string, raw json.RawMessage) (CommandSpec, error) {
	decode, ok := specDecoders[commandType]
	if !ok {
		return nil, fmt.Errorf("unknown command type: %q", commandType)
	}
	spec, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", commandType, err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", commandType, err)
	}
	return spec, nil
}

// CommandTypes lists the supported command types.
func CommandTypes() []string {
	out := make([]string, 0, len(specDecoders))
	for t := range specDecoders {
		out = append(out, t)
	}
	return out
}
