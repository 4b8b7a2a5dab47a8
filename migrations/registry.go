// Package migrations resolves the embedded SQL migration trees per dialect
// and hands them to a persistence client.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	alignment "github.com/goliatone/go-alignment"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const rootDir = "data/sql/migrations"

// Tree is the migration directory of one dialect. Postgres files live at
// the root and sqlite variants in its sqlite/ child.
type Tree struct {
	Dialect string
	Path    string
	FS      fs.FS
	Ups     []string
}

// Registration describes the tree passed to the register callback.
type Registration struct {
	Dialect    string
	Path       string
	Migrations []string
}

// Trees resolves both dialect trees from root, or from the embedded files
// when root is nil. Every up migration needs a matching down file.
func Trees(root fs.FS) ([]Tree, error) {
	if root == nil {
		root = alignment.GetMigrationsFS()
	}
	base, err := fs.Sub(root, rootDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", rootDir, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: open sqlite tree: %w", err)
	}

	trees := []Tree{
		{Dialect: DialectPostgres, Path: rootDir, FS: base},
		{Dialect: DialectSQLite, Path: path.Join(rootDir, DialectSQLite), FS: sqliteFS},
	}
	for i := range trees {
		ups, err := pairedUps(trees[i])
		if err != nil {
			return nil, err
		}
		trees[i].Ups = ups
	}
	return trees, nil
}

func pairedUps(tree Tree) ([]string, error) {
	ups, err := fs.Glob(tree.FS, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: list %s: %w", tree.Path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", tree.Path)
	}
	sort.Strings(ups)
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(tree.FS, down); err != nil {
			return nil, fmt.Errorf("migrations: %s/%s has no down migration", tree.Path, up)
		}
	}
	return ups, nil
}

// RegisterDialect passes the embedded tree for dialect to register. It is
// the usual entry point for a persistence client:
//
//	migrations.RegisterDialect(ctx, migrations.DialectSQLite, func(fsys fs.FS) {
//		client.RegisterSQLMigrations(fsys)
//	})
func RegisterDialect(ctx context.Context, dialect string, register func(fsys fs.FS)) (Registration, error) {
	if err := ctx.Err(); err != nil {
		return Registration{}, err
	}
	if register == nil {
		return Registration{}, fmt.Errorf("migrations: register function is required")
	}
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	trees, err := Trees(nil)
	if err != nil {
		return Registration{}, err
	}
	for _, tree := range trees {
		if tree.Dialect != dialect {
			continue
		}
		register(tree.FS)
		return Registration{Dialect: tree.Dialect, Path: tree.Path, Migrations: tree.Ups}, nil
	}
	return Registration{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

// DialectForDriver maps a database/sql driver name to a migration dialect.
func DialectForDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return DialectPostgres
	}
}
