package storage

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/deletion"
	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// MemoryStore keeps runs and protocols in process memory. It enforces the
// same run-to-protocol integrity as the PostgreSQL schema.
type MemoryStore struct {
	mu        sync.Mutex
	runs      []runs.Record
	protocols []protocols.Protocol
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) runIndex(runID string) int {
	for i := range m.runs {
		if m.runs[i].ID == runID {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) protocolIndex(protocolID string) int {
	for i := range m.protocols {
		if m.protocols[i].ID == protocolID {
			return i
		}
	}
	return -1
}

func copyRecord(rec runs.Record) runs.Record {
	rec.Actions = append([]runs.Action(nil), rec.Actions...)
	rec.Commands = append([]engine.Command(nil), rec.Commands...)
	if rec.Summary != nil {
		s := *rec.Summary
		rec.Summary = &s
	}
	return rec
}

func (m *MemoryStore) InsertRun(ctx context.Context, rec runs.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ProtocolID != "" && m.protocolIndex(rec.ProtocolID) < 0 {
		return protocolNotFound(rec.ProtocolID)
	}
	if m.runIndex(rec.ID) >= 0 {
		return types.NewError(types.ErrConflict, "RunIdExists", "run %s already exists", rec.ID)
	}
	m.runs = append(m.runs, copyRecord(rec))
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (runs.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.runIndex(runID)
	if i < 0 {
		return runs.Record{}, runNotFound(runID)
	}
	return copyRecord(m.runs[i]), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]runs.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]runs.Record, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (m *MemoryStore) InsertAction(ctx context.Context, runID string, action runs.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.runIndex(runID)
	if i < 0 {
		return runNotFound(runID)
	}
	m.runs[i].Actions = append(m.runs[i].Actions, action)
	return nil
}

func (m *MemoryStore) ArchiveRun(ctx context.Context, runID string, summary engine.Summary, commands []engine.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.runIndex(runID)
	if i < 0 {
		return runNotFound(runID)
	}
	m.runs[i].Summary = &summary
	m.runs[i].Commands = append([]engine.Command(nil), commands...)
	return nil
}

func (m *MemoryStore) RunIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.runs))
	for _, rec := range m.runs {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.runIndex(runID)
	if i < 0 {
		return runNotFound(runID)
	}
	m.runs = append(m.runs[:i], m.runs[i+1:]...)
	return nil
}

func (m *MemoryStore) InsertProtocol(ctx context.Context, p protocols.Protocol) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.protocolIndex(p.ID) >= 0 {
		return types.NewError(types.ErrConflict, "ProtocolIdExists", "protocol %s already exists", p.ID)
	}
	p.Files = append([]protocols.File(nil), p.Files...)
	m.protocols = append(m.protocols, p)
	return nil
}

func (m *MemoryStore) GetProtocol(ctx context.Context, protocolID string) (protocols.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.protocolIndex(protocolID)
	if i < 0 {
		return protocols.Protocol{}, protocolNotFound(protocolID)
	}
	return m.protocols[i], nil
}

func (m *MemoryStore) ListProtocols(ctx context.Context) ([]protocols.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocols.Protocol(nil), m.protocols...), nil
}

func (m *MemoryStore) FindProtocolByHash(ctx context.Context, hash string, kind protocols.Kind) (protocols.Protocol, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.protocols {
		if p.ContentHash == hash && p.Kind == kind {
			return p, true, nil
		}
	}
	return protocols.Protocol{}, false, nil
}

func (m *MemoryStore) usedLocked(protocolID string) bool {
	for _, rec := range m.runs {
		if rec.ProtocolID == protocolID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) RemoveProtocol(ctx context.Context, protocolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.protocolIndex(protocolID)
	if i < 0 {
		return protocolNotFound(protocolID)
	}
	if m.usedLocked(protocolID) {
		return protocolUsed(protocolID)
	}
	m.protocols = append(m.protocols[:i], m.protocols[i+1:]...)
	return nil
}

func (m *MemoryStore) ProtocolUsage(ctx context.Context, kind string) ([]deletion.ProtocolUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []deletion.ProtocolUsage
	for _, p := range m.protocols {
		if string(p.Kind) != kind {
			continue
		}
		out = append(out, deletion.ProtocolUsage{
			ProtocolID:  p.ID,
			IsUsedByRun: m.usedLocked(p.ID),
		})
	}
	return out, nil
}
