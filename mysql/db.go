package mysql

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/concurrent_map"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/pkg/errors"
	"github.com/siddontang/go-log/log"
	"go.uber.org/atomic"
)

// binlog files begin with a 4 byte magic header, the first event follows it
const firstEventOffset = 4

type Config struct {
	Host            string
	Port            uint16
	User            string
	Password        string
	DbName          string
	// rows of other tables are passed on undecoded
	Table           string
	ServerID        uint32
	Flavor          string
	HeartbeatPeriod time.Duration
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Mysql is the binlog side of replication: it reports binlog coordinates,
// opens binlog streams for one database and caches table schemas.
type Mysql struct {
	Pool      *client.Pool
	Converter *RowConverter
	cfg       Config

	// seconds between the last binlog event's timestamp and when it was read
	ReplicationDelay atomic.Uint32

	tables concurrent_map.ConcurrentMap[schema.Table]
}

func InitMysql(cfg Config, converter *RowConverter) *Mysql {
	return &Mysql{
		Pool:      client.NewPool(log.Debugf, 1, 4, 2, cfg.Address(), cfg.User, cfg.Password, cfg.DbName),
		Converter: converter,
		cfg:       cfg,
	}
}

func withMysqlConnection[T any](ctx context.Context, db *Mysql, f func(c *client.Conn) (T, error)) (T, error) {
	conn, err := db.Pool.GetConn(ctx)
	if err != nil {
		var zero T
		return zero, &changelog.ConnectivityError{Component: "mysql " + db.cfg.Address(), Err: err}
	}
	defer db.Pool.PutConn(conn)

	return f(conn)
}

// Head returns the coordinate the server will write its next event at.
func (db *Mysql) Head(ctx context.Context) (changelog.Coordinate, error) {
	return withMysqlConnection(ctx, db, func(conn *client.Conn) (changelog.Coordinate, error) {
		rr, err := conn.Execute("SHOW MASTER STATUS")
		if err != nil {
			// renamed in 8.4
			rr, err = conn.Execute("SHOW BINARY LOG STATUS")
		}
		if err != nil {
			return changelog.Coordinate{}, errors.Wrap(err, "reading binlog status")
		}

		if rr.Resultset == nil || rr.RowNumber() == 0 {
			return changelog.Coordinate{}, errors.New("binary logging is disabled on the source server")
		}

		file, err := rr.GetStringByName(0, "File")
		if err != nil {
			return changelog.Coordinate{}, err
		}

		pos, err := rr.GetUintByName(0, "Position")
		if err != nil {
			return changelog.Coordinate{}, err
		}

		return changelog.Coordinate{File: file, Offset: pos}, nil
	})
}

// Earliest returns the start of the oldest binlog file still on the server.
func (db *Mysql) Earliest(ctx context.Context) (changelog.Coordinate, error) {
	return withMysqlConnection(ctx, db, func(conn *client.Conn) (changelog.Coordinate, error) {
		rr, err := conn.Execute("SHOW BINARY LOGS")
		if err != nil {
			return changelog.Coordinate{}, errors.Wrap(err, "listing binlog files")
		}

		if rr.Resultset == nil || rr.RowNumber() == 0 {
			return changelog.Coordinate{}, errors.New("no binlog files on the source server")
		}

		file, err := rr.GetString(0, 0)
		if err != nil {
			return changelog.Coordinate{}, err
		}

		return changelog.Coordinate{File: file, Offset: firstEventOffset}, nil
	})
}

func (db *Mysql) GetMysqlVariable(ctx context.Context, variable string) (string, error) {
	return withMysqlConnection(ctx, db, func(conn *client.Conn) (string, error) {
		rr, err := conn.Execute("SELECT " + variable)
		if err != nil {
			return "", err
		}

		return rr.GetString(0, 0)
	})
}

// CheckBinlogFormat warns about server settings that make row capture incomplete.
func (db *Mysql) CheckBinlogFormat(ctx context.Context) error {
	format, err := db.GetMysqlVariable(ctx, "@@GLOBAL.binlog_format")
	if err != nil {
		return err
	}

	if !strings.EqualFold(format, "ROW") {
		return errors.Errorf("binlog_format is %s, ROW is required", format)
	}

	image, err := db.GetMysqlVariable(ctx, "@@GLOBAL.binlog_row_image")
	if err == nil && !strings.EqualFold(image, "FULL") {
		log.Warnf("binlog_row_image is %s, documents will be replaced with partial rows unless it is FULL", image)
	}

	return nil
}

// GetMysqlTable returns the cached schema of a table, loading it on first use.
func (db *Mysql) GetMysqlTable(ctx context.Context, dbName, table string) (*schema.Table, error) {
	key := dbName + "." + table

	if t, ok := db.tables.Get(key); ok {
		return t, nil
	}

	return withMysqlConnection(ctx, db, func(conn *client.Conn) (*schema.Table, error) {
		t, err := schema.NewTable(conn, dbName, table)
		if err != nil {
			return nil, errors.Wrapf(err, "loading schema of %s", key)
		}

		db.tables.Set(key, t)
		return t, nil
	})
}

// ResetTables drops cached schemas, called when the binlog shows DDL.
func (db *Mysql) ResetTables() {
	db.tables.Clear()
}

func execContext(ctx context.Context, db *Mysql, query string, args ...interface{}) (*mysql.Result, error) {
	return withMysqlConnection(ctx, db, func(conn *client.Conn) (*mysql.Result, error) {
		return conn.Execute(query, args...)
	})
}
