package deletion

import (
	"context"
	"reflect"
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap/zaptest"
)

type fakeProtocolStore struct {
	usage    []ProtocolUsage
	deleted  []string
	conflict map[string]bool
}

func (f *fakeProtocolStore) ProtocolUsage(ctx context.Context, kind string) ([]ProtocolUsage, error) {
	return f.usage, nil
}

func (f *fakeProtocolStore) DeleteProtocol(ctx context.Context, id string) error {
	if f.conflict[id] {
		return types.NewError(types.ErrConflict, "ProtocolUsedByRun", "protocol %s is used by a run", id)
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeRunStore struct {
	ids     []string
	deleted []string
}

func (f *fakeRunStore) RunIDs(ctx context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeRunStore) DeleteRun(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestProtocolAutoDeleterSkipsConflicts(t *testing.T) {
	store := &fakeProtocolStore{
		usage:    []ProtocolUsage{{ProtocolID: "a"}, {ProtocolID: "b"}, {ProtocolID: "c"}},
		conflict: map[string]bool{"a": true},
	}
	d := NewProtocolAutoDeleter(store, "standard", 2, zaptest.NewLogger(t))

	if err := d.MakeRoomForNewProtocol(context.Background()); err != nil {
		t.Fatalf("MakeRoomForNewProtocol: %v", err)
	}
	if !reflect.DeepEqual(store.deleted, []string{"b"}) {
		t.Fatalf("got deleted %v, want [b]", store.deleted)
	}
}

func TestRunAutoDeleter(t *testing.T) {
	store := &fakeRunStore{ids: []string{"r1", "r2", "r3"}}
	d := NewRunAutoDeleter(store, 2, zaptest.NewLogger(t))

	if err := d.MakeRoomForNewRun(context.Background()); err != nil {
		t.Fatalf("MakeRoomForNewRun: %v", err)
	}
	if !reflect.DeepEqual(store.deleted, []string{"r1", "r2"}) {
		t.Fatalf("got deleted %v, want [r1 r2]", store.deleted)
	}
}
