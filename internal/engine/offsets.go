package engine

import (
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
)

type LabwareOffsetVector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type LabwareOffsetLocation struct {
	SlotName    string `json:"slotName"`
	ModuleModel string `json:"moduleModel,omitempty"`
}

type LabwareOffsetCreate struct {
	DefinitionURI string                `json:"definitionUri"`
	Location      LabwareOffsetLocation `json:"location"`
	Vector        LabwareOffsetVector   `json:"vector"`
}

// LabwareOffset corrects the calibrated position of one labware type in one
// deck location.
type LabwareOffset struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	LabwareOffsetCreate
}

// AddLabwareOffset records an offset on a run that has not stopped.
func (e *Engine) AddLabwareOffset(req LabwareOffsetCreate) (LabwareOffset, error) {
	if req.DefinitionURI == "" || req.Location.SlotName == "" {
		return LabwareOffset{}, types.NewError(types.ErrInvalid, "InvalidLabwareOffset",
			"definitionUri and location.slotName are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result != "" {
		return LabwareOffset{}, types.NewError(types.ErrConflict, CodeRunStopped, "the run has already stopped")
	}
	offset := LabwareOffset{
		ID:                  uuid.NewString(),
		CreatedAt:           time.Now().UTC(),
		LabwareOffsetCreate: req,
	}
	e.offsets = append(e.offsets, offset)
	e.notifyLocked()
	return offset, nil
}
