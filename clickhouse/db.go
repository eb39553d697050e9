package clickhouse

import (
	"context"
	"fmt"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/consts"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"
	"github.com/siddontang/go-log/log"
)

const StateTable = consts.StateTableName

type ClickhouseDb struct {
	Conn   driver.Conn
	Config Config
}

type Config struct {
	Address  string
	Username string
	Password string
	DbName   string
}

func EstablishClickhouseConnection(ctx context.Context, config Config) (ClickhouseDb, error) {
	clickhouseConn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Address},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: config.Username,
			Password: config.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4, Level: 1},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return ClickhouseDb{}, errors.Wrap(err, "configuring clickhouse connection")
	}

	if err := clickhouseConn.Ping(ctx); err != nil {
		_ = clickhouseConn.Close()
		return ClickhouseDb{}, &changelog.ConnectivityError{Component: "clickhouse " + config.Address, Err: err}
	}

	return ClickhouseDb{
		Conn:   clickhouseConn,
		Config: config,
	}, nil
}

func (db ClickhouseDb) Close() error {
	return db.Conn.Close()
}

func (db ClickhouseDb) Setup(ctx context.Context) error {
	if err := db.Conn.Exec(ctx, fmt.Sprintf("create database if not exists %s", db.Config.DbName)); err != nil {
		return errors.Wrapf(err, "creating database %s", db.Config.DbName)
	}

	err := db.Conn.Exec(ctx, fmt.Sprintf(`
		create table if not exists %s.%s (
			key String,
			value String
	 ) ENGINE = EmbeddedRocksDB PRIMARY KEY(key)`, db.Config.DbName, StateTable))

	return errors.Wrapf(err, "creating %s.%s", db.Config.DbName, StateTable)
}

// GetStateString returns "" for a key that was never set.
func (db ClickhouseDb) GetStateString(ctx context.Context, key string) (string, error) {
	type storedKeyValue struct {
		Value string `ch:"value"`
	}

	var rows []storedKeyValue

	err := db.Conn.Select(ctx,
		&rows,
		fmt.Sprintf("select value from %s.%s where key = $1", db.Config.DbName, StateTable),
		key)
	if err != nil {
		return "", errors.Wrapf(err, "reading state %s", key)
	}

	if len(rows) == 0 {
		return "", nil
	}

	return rows[0].Value, nil
}

// EmbeddedRocksDB replaces the row with the same primary key on insert.
func (db ClickhouseDb) SetStateString(ctx context.Context, key, value string) error {
	err := db.Conn.Exec(ctx,
		fmt.Sprintf("insert into %s.%s (key, value) values ($1, $2)", db.Config.DbName, StateTable),
		key,
		value)

	return errors.Wrapf(err, "writing state %s", key)
}

// PositionStore keeps the binlog position as "file:offset" under one key of
// the state table.
type PositionStore struct {
	Db  ClickhouseDb
	Key string
}

func NewPositionStore(db ClickhouseDb, key string) *PositionStore {
	return &PositionStore{Db: db, Key: key}
}

func (s *PositionStore) Load(ctx context.Context) (changelog.Coordinate, bool, error) {
	value, err := s.Db.GetStateString(ctx, s.Key)
	if err != nil || value == "" {
		return changelog.Coordinate{}, false, err
	}

	c, err := changelog.ParseCoordinate(value)
	if err != nil {
		return changelog.Coordinate{}, false, err
	}

	log.Debugf("read binlog position %s from clickhouse key %s", c, s.Key)
	return c, true, nil
}

func (s *PositionStore) Save(ctx context.Context, c changelog.Coordinate) error {
	return s.Db.SetStateString(ctx, s.Key, c.String())
}
