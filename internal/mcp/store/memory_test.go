package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/Bellamy509/FGZ/internal/mcp"
	"github.com/Bellamy509/FGZ/internal/mcp/manager"
)

var (
	_ manager.Storage    = (*MemStore)(nil)
	_ manager.NameLookup = (*MemStore)(nil)
	_ manager.UserLinker = (*MemStore)(nil)
)

func TestMemStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	saved, err := s.Save(ctx, remoteDesc("", "search"))
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}
	if _, err := uuid.Parse(saved.ID); err != nil {
		t.Errorf("ID = %q, want UUID", saved.ID)
	}
	if saved.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if _, err := s.Save(ctx, remoteDesc("", "search")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate Save() = %v, want ErrDuplicateName", err)
	}

	// Updating under the same id keeps the creation time.
	update := saved
	update.Transport = mcp.TransportConfig{Remote: &mcp.RemoteConfig{URL: "https://other.example.com/mcp"}}
	updated, err := s.Save(ctx, update)
	if err != nil {
		t.Fatalf("update Save() = %v", err)
	}
	if !updated.CreatedAt.Equal(saved.CreatedAt) {
		t.Errorf("CreatedAt changed on update")
	}

	if ok, _ := s.Has(ctx, saved.ID); !ok {
		t.Error("Has() = false")
	}
	got, _ := s.Get(ctx, saved.ID)
	if got == nil || got.Transport.Remote.URL != "https://other.example.com/mcp" {
		t.Errorf("Get() = %+v", got)
	}
	byName, _ := s.GetByName(ctx, "search")
	if byName == nil || byName.ID != saved.ID {
		t.Errorf("GetByName() = %+v", byName)
	}
	if missing, err := s.Get(ctx, "nope"); missing != nil || err != nil {
		t.Errorf("Get(missing) = %v, %v", missing, err)
	}

	if err := s.LinkUser(ctx, "u1", saved.ID); err != nil {
		t.Fatalf("LinkUser() = %v", err)
	}
	if err := s.LinkUser(ctx, "u1", "missing"); err == nil {
		t.Error("LinkUser(missing) expected error")
	}
	if ids, _ := s.UserServers(ctx, "u1"); len(ids) != 1 || ids[0] != saved.ID {
		t.Errorf("UserServers() = %v", ids)
	}

	if err := s.Delete(ctx, saved.ID); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if ids, _ := s.UserServers(ctx, "u1"); len(ids) != 0 {
		t.Errorf("links survived delete: %v", ids)
	}
	if all, _ := s.LoadAll(ctx); len(all) != 0 {
		t.Errorf("LoadAll() after delete = %v", all)
	}
	if err := s.Delete(ctx, saved.ID); err != nil {
		t.Errorf("second Delete() = %v", err)
	}
}

func TestMemStore_LoadAllSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := s.Save(ctx, remoteDesc("", name)); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Name != "alpha" || all[2].Name != "charlie" {
		t.Errorf("LoadAll() order = %v", all)
	}
}
