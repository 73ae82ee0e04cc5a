package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/lis/lis/migrations"
)

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	got, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(got))
	}
	for i, want := range []int{1, 2, 5, 10} {
		if got[i].Version != want {
			t.Errorf("migration[%d]: expected version %d, got %d", i, want, got[i].Version)
		}
	}
	if got[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", got[0].SQL)
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	files := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	got, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(got))
	}
	if got[0].Name != "001_valid.sql" || got[1].Name != "002_also_valid.sql" {
		t.Errorf("unexpected names: %s, %s", got[0].Name, got[1].Name)
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if got[0].Name != "001_documents.sql" {
		t.Errorf("expected 001_documents.sql first, got %s", got[0].Name)
	}
}

func TestBuildStatus(t *testing.T) {
	loaded := []Migration{
		{Version: 1, Name: "001_documents.sql"},
		{Version: 2, Name: "002_run_lookup.sql"},
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := BuildStatus(loaded, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}

func TestPending(t *testing.T) {
	loaded := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	got := Pending(loaded, map[int]time.Time{2: time.Now()})
	if len(got) != 2 || got[0].Version != 1 || got[1].Version != 3 {
		t.Errorf("unexpected pending set: %+v", got)
	}
}
