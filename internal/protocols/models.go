package protocols

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/deletion"
)

const (
	CodeProtocolNotFound           = "ProtocolNotFound"
	CodeProtocolUsedByRun          = "ProtocolUsedByRun"
	CodeQuickTransferProtocolLimit = "QuickTransferProtocolLimit"
	CodeNoProtocolFile             = "NoProtocolFile"
)

type Kind string

const (
	KindStandard      Kind = "standard"
	KindQuickTransfer Kind = "quick-transfer"
)

// ParseKind maps an empty kind to standard.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindStandard, nil
	case KindStandard, KindQuickTransfer:
		return k, nil
	}
	return "", fmt.Errorf("unknown protocol kind %q", s)
}

type FileRole string

const (
	RoleMain FileRole = "main"
	RoleData FileRole = "data"
)

type File struct {
	Name string   `json:"name"`
	Role FileRole `json:"role"`
}

type Protocol struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"createdAt"`
	Kind        Kind           `json:"protocolKind"`
	Key         string         `json:"key,omitempty"`
	ContentHash string         `json:"-"`
	Files       []File         `json:"files"`
	Metadata    map[string]any `json:"metadata"`
}

func (p Protocol) MainFile() (File, bool) {
	for _, f := range p.Files {
		if f.Role == RoleMain {
			return f, true
		}
	}
	return File{}, false
}

// Upload is one file of a protocol being created.
type Upload struct {
	Name string
	Data []byte
}

// Store is the durable protocol collection. Lists are oldest first.
type Store interface {
	InsertProtocol(ctx context.Context, p Protocol) error
	GetProtocol(ctx context.Context, protocolID string) (Protocol, error)
	ListProtocols(ctx context.Context) ([]Protocol, error)
	FindProtocolByHash(ctx context.Context, hash string, kind Kind) (Protocol, bool, error)
	// RemoveProtocol fails with ProtocolUsedByRun while any run refers to it.
	RemoveProtocol(ctx context.Context, protocolID string) error
	ProtocolUsage(ctx context.Context, kind string) ([]deletion.ProtocolUsage, error)
}
