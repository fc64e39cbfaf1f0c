// Package protocols stores uploaded protocols and turns them into the
// command lists runs execute.
package protocols

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/blob"
	"github.com/KevinKickass/OpenLabCore/internal/deletion"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Service struct {
	store            Store
	blobs            blob.Store
	validator        *Validator
	deleter          *deletion.ProtocolAutoDeleter
	maxQuickTransfer int
	logger           *zap.Logger

	// uploads are serialized so the dedupe and limit checks hold
	mu sync.Mutex
}

func NewService(store Store, blobs blob.Store, validator *Validator, maxUnused, maxQuickTransfer int, logger *zap.Logger) *Service {
	s := &Service{
		store:            store,
		blobs:            blobs,
		validator:        validator,
		maxQuickTransfer: maxQuickTransfer,
		logger:           logger,
	}
	s.deleter = deletion.NewProtocolAutoDeleter(s, string(KindStandard), maxUnused, logger)
	return s
}

// Create stores a new protocol. An upload identical to an existing protocol
// of the same kind returns that protocol with existing set.
func (s *Service) Create(ctx context.Context, files []Upload, kind Kind, key string) (p Protocol, existing bool, err error) {
	main, err := mainUpload(files)
	if err != nil {
		return Protocol{}, false, err
	}
	src, err := s.validator.Parse(main.Data)
	if err != nil {
		return Protocol{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(files)
	if found, ok, err := s.store.FindProtocolByHash(ctx, hash, kind); err != nil {
		return Protocol{}, false, err
	} else if ok {
		return found, true, nil
	}

	switch kind {
	case KindQuickTransfer:
		usage, err := s.store.ProtocolUsage(ctx, string(KindQuickTransfer))
		if err != nil {
			return Protocol{}, false, err
		}
		if len(usage) >= s.maxQuickTransfer {
			return Protocol{}, false, types.NewError(types.ErrConflict, CodeQuickTransferProtocolLimit,
				"Quick-transfer protocol limit of %d reached", s.maxQuickTransfer)
		}
	default:
		if err := s.deleter.MakeRoomForNewProtocol(ctx); err != nil {
			return Protocol{}, false, err
		}
	}

	p = Protocol{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Kind:        kind,
		Key:         key,
		ContentHash: hash,
		Metadata:    src.Metadata,
	}
	for _, f := range files {
		role := RoleData
		if f.Name == main.Name {
			role = RoleMain
		}
		if err := s.blobs.Put(ctx, fileKey(p.ID, f.Name), bytes.NewReader(f.Data), int64(len(f.Data))); err != nil {
			s.removeFiles(ctx, p)
			return Protocol{}, false, fmt.Errorf("failed to store %s: %w", f.Name, err)
		}
		p.Files = append(p.Files, File{Name: f.Name, Role: role})
	}

	if err := s.store.InsertProtocol(ctx, p); err != nil {
		s.removeFiles(ctx, p)
		return Protocol{}, false, fmt.Errorf("failed to save protocol: %w", err)
	}

	s.logger.Info("Protocol created",
		zap.String("protocol_id", p.ID),
		zap.String("kind", string(kind)),
		zap.Int("commands", len(src.Commands)))
	return p, false, nil
}

func (s *Service) Get(ctx context.Context, id string) (Protocol, error) {
	return s.store.GetProtocol(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Protocol, error) {
	return s.store.ListProtocols(ctx)
}

// Delete removes a protocol and its files. Protocols used by a run cannot
// be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	p, err := s.store.GetProtocol(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RemoveProtocol(ctx, id); err != nil {
		return err
	}
	s.removeFiles(ctx, p)
	return nil
}

// ProtocolUsage and DeleteProtocol let the auto-deleter remove files along
// with the records.
func (s *Service) ProtocolUsage(ctx context.Context, kind string) ([]deletion.ProtocolUsage, error) {
	return s.store.ProtocolUsage(ctx, kind)
}

func (s *Service) DeleteProtocol(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// LoadProtocol reads and parses the main file of a stored protocol.
func (s *Service) LoadProtocol(ctx context.Context, id string) (runs.LoadedProtocol, error) {
	p, err := s.store.GetProtocol(ctx, id)
	if err != nil {
		return runs.LoadedProtocol{}, err
	}
	main, ok := p.MainFile()
	if !ok {
		return runs.LoadedProtocol{}, fmt.Errorf("protocol %s has no main file", id)
	}
	data, err := s.blobs.Get(ctx, fileKey(id, main.Name))
	if err != nil {
		return runs.LoadedProtocol{}, fmt.Errorf("failed to read %s: %w", main.Name, err)
	}
	src, err := s.validator.Parse(data)
	if err != nil {
		return runs.LoadedProtocol{}, err
	}
	return runs.LoadedProtocol{ID: id, Commands: src.Commands}, nil
}

func (s *Service) removeFiles(ctx context.Context, p Protocol) {
	for _, f := range p.Files {
		if err := s.blobs.Delete(ctx, fileKey(p.ID, f.Name)); err != nil && !errors.Is(err, blob.ErrNotExist) {
			s.logger.Warn("Failed to delete protocol file",
				zap.String("protocol_id", p.ID),
				zap.String("file", f.Name),
				zap.Error(err))
		}
	}
}

func mainUpload(files []Upload) (Upload, error) {
	if len(files) == 0 {
		return Upload{}, types.NewError(types.ErrInvalid, CodeNoProtocolFile, "no files uploaded")
	}
	seen := make(map[string]bool, len(files))
	var main *Upload
	for i := range files {
		name := files[i].Name
		if name == "" || name != path.Base(name) {
			return Upload{}, invalidFile("invalid file name %q", name)
		}
		if seen[name] {
			return Upload{}, invalidFile("duplicate file %q", name)
		}
		seen[name] = true
		if main == nil && strings.EqualFold(path.Ext(name), ".json") {
			main = &files[i]
		}
	}
	if main == nil {
		return Upload{}, types.NewError(types.ErrInvalid, CodeNoProtocolFile, "no .json protocol file uploaded")
	}
	return *main, nil
}

// contentHash identifies an upload independently of file order.
func contentHash(files []Upload) string {
	sorted := append([]Upload(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write(f.Data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fileKey(protocolID, name string) string {
	return protocolID + "/" + name
}
