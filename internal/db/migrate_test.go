package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@localhost:5432/deals?sslmode=disable", "pgx5://u:p@localhost:5432/deals?sslmode=disable"},
		{"postgresql://localhost/deals", "pgx5://localhost/deals"},
		{"pgx5://localhost/deals", "pgx5://localhost/deals"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := migrateURL(tt.in); got != tt.want {
				t.Errorf("migrateURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}

	if len(ups) == 0 {
		t.Fatal("no up migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}
