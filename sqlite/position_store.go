// Package sqlite keeps binlog positions in a local sqlite file, for running
// without write access to a shared database.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/consts"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var initTable = `CREATE TABLE IF NOT EXISTS ` + consts.SqlitePositionsTableName + ` (
  position_key TEXT PRIMARY KEY,
  log_file TEXT NOT NULL,
  log_pos INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);`

type PositionStore struct {
	db  *sql.DB
	key string
}

func OpenPositionStore(ctx context.Context, path string, key string) (*PositionStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating sqlite dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite")
	}

	// one writer, and no other connection would see a :memory: database
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;", initTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "initializing %s", path)
		}
	}

	return &PositionStore{db: db, key: key}, nil
}

func (s *PositionStore) Close() error {
	return s.db.Close()
}

func (s *PositionStore) Load(ctx context.Context) (changelog.Coordinate, bool, error) {
	var c changelog.Coordinate
	var pos int64

	err := s.db.QueryRowContext(ctx,
		"SELECT log_file, log_pos FROM "+consts.SqlitePositionsTableName+" WHERE position_key = ?", s.key).Scan(&c.File, &pos)
	if errors.Is(err, sql.ErrNoRows) {
		return changelog.Coordinate{}, false, nil
	} else if err != nil {
		return changelog.Coordinate{}, false, errors.Wrapf(err, "reading position %s", s.key)
	}

	c.Offset = uint64(pos)
	return c, true, nil
}

func (s *PositionStore) Save(ctx context.Context, c changelog.Coordinate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+consts.SqlitePositionsTableName+` (position_key, log_file, log_pos, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(position_key) DO UPDATE SET
		 log_file = excluded.log_file,
		 log_pos = excluded.log_pos,
		 updated_at = excluded.updated_at`,
		s.key, c.File, int64(c.Offset), time.Now().UTC().Format(time.RFC3339Nano))

	return errors.Wrapf(err, "saving position %s", s.key)
}
