// Package migrations embeds the dead-letter schema for each supported SQL
// dialect.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const rootDir = "data/sql/migrations"

// dialectDirs maps a dialect to its directory below rootDir.
var dialectDirs = map[string]string{
	DialectPostgres: ".",
	DialectSQLite:   "sqlite",
}

var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// FS returns the embedded migration tree rooted above data/sql/migrations.
func FS() fs.FS {
	return migrationsFS
}

// Migration is one versioned up/down pair.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// Set is the validated migration directory of one dialect, in apply order.
type Set struct {
	Dialect    string
	Path       string
	FS         fs.FS
	Migrations []Migration
}

// Latest is the version the schema reaches after every migration applies.
func (s Set) Latest() string {
	if len(s.Migrations) == 0 {
		return ""
	}
	return s.Migrations[len(s.Migrations)-1].Version
}

func Dialects() []string {
	out := make([]string, 0, len(dialectDirs))
	for dialect := range dialectDirs {
		out = append(out, dialect)
	}
	sort.Strings(out)
	return out
}

func NormalizeDialect(dialect string) string {
	switch value := strings.ToLower(strings.TrimSpace(dialect)); value {
	case "postgresql", "pg", "pgx":
		return DialectPostgres
	case "sqlite3":
		return DialectSQLite
	default:
		return value
	}
}

// Load reads the embedded migrations for dialect.
func Load(dialect string) (Set, error) {
	return LoadFrom(migrationsFS, dialect)
}

// LoadFrom reads the migrations for dialect from a tree laid out like the
// embedded one. Every up file needs a down file with the same version.
func LoadFrom(root fs.FS, dialect string) (Set, error) {
	dialect = NormalizeDialect(dialect)
	dir, ok := dialectDirs[dialect]
	if !ok {
		return Set{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
	if root == nil {
		return Set{}, fmt.Errorf("migrations: filesystem is required")
	}
	dirPath := path.Join(rootDir, dir)
	sub, err := fs.Sub(root, dirPath)
	if err != nil {
		return Set{}, fmt.Errorf("migrations: resolve %s: %w", dirPath, err)
	}
	migrations, err := scan(sub)
	if err != nil {
		return Set{}, fmt.Errorf("migrations: %s: %w", dialect, err)
	}
	return Set{Dialect: dialect, Path: dirPath, FS: sub, Migrations: migrations}, nil
}

func scan(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := migrationFile.FindStringSubmatch(entry.Name())
		if parts == nil {
			continue
		}
		version, name, direction := parts[1], parts[2], parts[3]
		current, ok := byVersion[version]
		if !ok {
			current = &Migration{Version: version, Name: name}
			byVersion[version] = current
		}
		if current.Name != name {
			return nil, fmt.Errorf("version %s is used by %q and %q", version, current.Name, name)
		}
		if direction == "up" {
			current.Up = entry.Name()
		} else {
			current.Down = entry.Name()
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no *.up.sql files")
	}

	out := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		switch {
		case migration.Up == "":
			return nil, fmt.Errorf("version %s has no up migration", migration.Version)
		case migration.Down == "":
			return nil, fmt.Errorf("version %s has no down migration", migration.Version)
		}
		out = append(out, *migration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type RegisterFunc func(ctx context.Context, set Set) error

// Register loads the migrations of dialect and hands them to registerFn.
func Register(ctx context.Context, dialect string, registerFn RegisterFunc) (Set, error) {
	if registerFn == nil {
		return Set{}, fmt.Errorf("migrations: register function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	set, err := Load(dialect)
	if err != nil {
		return Set{}, err
	}
	if err := registerFn(ctx, set); err != nil {
		return set, fmt.Errorf("migrations: register %s (%s): %w", set.Dialect, set.Path, err)
	}
	return set, nil
}
