package protocols_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/blob"
	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap/zaptest"
)

func protocolFile(name string) []byte {
	return []byte(fmt.Sprintf(`{
		"schemaVersion": 1,
		"metadata": {"protocolName": %q},
		"commands": [
			{"commandType": "home"},
			{"commandType": "comment", "params": {"message": "done"}}
		]
	}`, name))
}

func newService(t *testing.T, maxUnused, maxQuick int) (*protocols.Service, *storage.MemoryStore, blob.LocalFS) {
	t.Helper()
	v, err := protocols.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	store := storage.NewMemoryStore()
	blobs := blob.LocalFS{Root: t.TempDir()}
	return protocols.NewService(store, blobs, v, maxUnused, maxQuick, zaptest.NewLogger(t)), store, blobs
}

func TestCreateAndLoad(t *testing.T) {
	svc, _, blobs := newService(t, 5, 5)
	ctx := context.Background()

	p, existing, err := svc.Create(ctx, []protocols.Upload{
		{Name: "labware.csv", Data: []byte("A1,B1\n")},
		{Name: "main.json", Data: protocolFile("transfer")},
	}, protocols.KindStandard, "client-key")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if existing {
		t.Fatal("first upload reported as existing")
	}
	main, ok := p.MainFile()
	if !ok || main.Name != "main.json" {
		t.Fatalf("main file = %+v", p.Files)
	}
	if p.Metadata["protocolName"] != "transfer" || p.Key != "client-key" {
		t.Fatalf("protocol = %+v", p)
	}
	if _, err := blobs.Get(ctx, p.ID+"/labware.csv"); err != nil {
		t.Fatalf("data file not stored: %v", err)
	}

	loaded, err := svc.LoadProtocol(ctx, p.ID)
	if err != nil {
		t.Fatalf("LoadProtocol: %v", err)
	}
	if loaded.ID != p.ID || len(loaded.Commands) != 2 {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestCreateDeduplicatesIdenticalUploads(t *testing.T) {
	svc, _, _ := newService(t, 5, 5)
	ctx := context.Background()
	files := []protocols.Upload{{Name: "main.json", Data: protocolFile("same")}}

	first, _, err := svc.Create(ctx, files, protocols.KindStandard, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, existing, err := svc.Create(ctx, files, protocols.KindStandard, "")
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if !existing || second.ID != first.ID {
		t.Fatalf("second upload = %s existing %v, want %s", second.ID, existing, first.ID)
	}

	// a different kind is a different protocol
	quick, existing, err := svc.Create(ctx, files, protocols.KindQuickTransfer, "")
	if err != nil {
		t.Fatalf("Create quick-transfer: %v", err)
	}
	if existing || quick.ID == first.ID {
		t.Fatal("quick-transfer upload deduplicated against a standard protocol")
	}
}

func TestCreateRejectsBadUploads(t *testing.T) {
	svc, _, _ := newService(t, 5, 5)
	ctx := context.Background()

	tests := []struct {
		name  string
		files []protocols.Upload
		code  string
	}{
		{"no files", nil, protocols.CodeNoProtocolFile},
		{"no json", []protocols.Upload{{Name: "plate.csv", Data: []byte("x")}}, protocols.CodeNoProtocolFile},
		{"path in name", []protocols.Upload{{Name: "../main.json", Data: protocolFile("x")}}, protocols.CodeInvalidProtocolFile},
		{"invalid protocol", []protocols.Upload{{Name: "main.json", Data: []byte(`{}`)}}, protocols.CodeInvalidProtocolFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Create(ctx, tt.files, protocols.KindStandard, "")
			if types.CodeOf(err) != tt.code {
				t.Fatalf("got %v, want %s", err, tt.code)
			}
		})
	}
}

func TestQuickTransferLimit(t *testing.T) {
	svc, _, _ := newService(t, 5, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		files := []protocols.Upload{{Name: "qt.json", Data: protocolFile(fmt.Sprintf("qt-%d", i))}}
		if _, _, err := svc.Create(ctx, files, protocols.KindQuickTransfer, ""); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	files := []protocols.Upload{{Name: "qt.json", Data: protocolFile("qt-overflow")}}
	_, _, err := svc.Create(ctx, files, protocols.KindQuickTransfer, "")
	if types.CodeOf(err) != protocols.CodeQuickTransferProtocolLimit || !errors.Is(err, types.ErrConflict) {
		t.Fatalf("got %v, want quick-transfer limit conflict", err)
	}
}

func TestAutoDeleteKeepsProtocolsUsedByRuns(t *testing.T) {
	svc, store, blobs := newService(t, 2, 5)
	ctx := context.Background()

	create := func(name string) protocols.Protocol {
		t.Helper()
		p, _, err := svc.Create(ctx, []protocols.Upload{{Name: "main.json", Data: protocolFile(name)}}, protocols.KindStandard, "")
		if err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		return p
	}

	used := create("used")
	if err := store.InsertRun(ctx, runs.Record{ID: "run-1", CreatedAt: time.Now(), ProtocolID: used.ID}); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	oldest := create("oldest")
	create("middle")
	create("newest")

	if _, err := svc.Get(ctx, used.ID); err != nil {
		t.Fatalf("protocol used by a run was deleted: %v", err)
	}
	if _, err := svc.Get(ctx, oldest.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("oldest unused protocol kept: %v", err)
	}
	if _, err := blobs.Get(ctx, oldest.ID+"/main.json"); !errors.Is(err, blob.ErrNotExist) {
		t.Fatalf("deleted protocol files kept: %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("%d protocols kept, want 3", len(list))
	}
}

func TestDeleteProtocolUsedByRun(t *testing.T) {
	svc, store, _ := newService(t, 5, 5)
	ctx := context.Background()

	p, _, err := svc.Create(ctx, []protocols.Upload{{Name: "main.json", Data: protocolFile("x")}}, protocols.KindStandard, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.InsertRun(ctx, runs.Record{ID: "run-1", CreatedAt: time.Now(), ProtocolID: p.ID}); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	if err := svc.Delete(ctx, p.ID); types.CodeOf(err) != protocols.CodeProtocolUsedByRun {
		t.Fatalf("got %v, want %s", err, protocols.CodeProtocolUsedByRun)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if err := svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, p.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("second delete: got %v, want not found", err)
	}
}
