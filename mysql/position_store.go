package mysql

import (
	"context"
	"fmt"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/consts"

	"github.com/pkg/errors"
	"github.com/siddontang/go-log/log"
)

const (
	ChangelogTable = consts.ChangelogTableName
	pruneEvery     = 1000
)

// PositionStore keeps binlog positions in an append only table next to the
// replicated data. Every save is a new row and the latest row wins; older
// rows are pruned periodically.
type PositionStore struct {
	db     *Mysql
	dbName string
	key    string
	saves  int
}

func NewPositionStore(db *Mysql, dbName, key string) *PositionStore {
	return &PositionStore{db: db, dbName: dbName, key: key}
}

func (s *PositionStore) table() string {
	return fmt.Sprintf("`%s`.`%s`", s.dbName, ChangelogTable)
}

func (s *PositionStore) Setup(ctx context.Context) error {
	_, err := execContext(ctx, s.db, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			position_key VARCHAR(255) NOT NULL,
			log_file VARCHAR(255) NOT NULL,
			log_pos BIGINT UNSIGNED NOT NULL,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			KEY position_key_id (position_key, id)
		)`, s.table()))

	return errors.Wrapf(err, "creating %s", s.table())
}

func (s *PositionStore) Load(ctx context.Context) (changelog.Coordinate, bool, error) {
	rr, err := execContext(ctx, s.db,
		fmt.Sprintf("SELECT log_file, log_pos FROM %s WHERE position_key = ? ORDER BY id DESC LIMIT 1", s.table()),
		s.key)
	if err != nil {
		return changelog.Coordinate{}, false, errors.Wrapf(err, "reading position %s", s.key)
	}

	if rr.Resultset == nil || rr.RowNumber() == 0 {
		return changelog.Coordinate{}, false, nil
	}

	file, err := rr.GetString(0, 0)
	if err != nil {
		return changelog.Coordinate{}, false, err
	}

	pos, err := rr.GetUint(0, 1)
	if err != nil {
		return changelog.Coordinate{}, false, err
	}

	return changelog.Coordinate{File: file, Offset: pos}, true, nil
}

func (s *PositionStore) Save(ctx context.Context, c changelog.Coordinate) error {
	rr, err := execContext(ctx, s.db,
		fmt.Sprintf("INSERT INTO %s (position_key, log_file, log_pos) VALUES (?, ?, ?)", s.table()),
		s.key, c.File, c.Offset)
	if err != nil {
		return errors.Wrapf(err, "saving position %s", s.key)
	}

	s.saves++
	if s.saves%pruneEvery == 0 {
		s.prune(ctx, rr.InsertId)
	}

	return nil
}

// failing to prune only leaves extra rows behind
func (s *PositionStore) prune(ctx context.Context, latestId uint64) {
	_, err := execContext(ctx, s.db,
		fmt.Sprintf("DELETE FROM %s WHERE position_key = ? AND id < ?", s.table()),
		s.key, latestId)
	if err != nil {
		log.Warnf("pruning %s: %v", s.table(), err)
	}
}
