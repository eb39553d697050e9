package config

import (
	"flag"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bigcartel/tomongo/changelog"

	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

const (
	EnvVarPrefix = "TOMONGO"

	// server id the replicator registers with on the source, a replica id
	// that is unlikely to collide with real replicas
	DefaultServerID = 172313514

	PositionStoreMongo      = "mongo"
	PositionStoreSqlite     = "sqlite"
	PositionStoreMysql      = "mysql"
	PositionStoreClickhouse = "clickhouse"
)

const LongHelp = `
Replicates one MySQL table into one MongoDB collection by tailing the MySQL binlog.

Every insert and update of a row replaces the document whose --mysql-pk field
matches the row's primary key (creating it if needed), every delete removes it.
The binlog position reached is stored after each applied change, so a restart
continues where the previous run stopped. Changes can be applied more than once
after a crash, never skipped.

You'll need to set binlog_format = 'ROW' and binlog_row_image = 'FULL' in MySQL.
binlog_row_metadata = 'FULL' is recommended so column names are read from the
binlog itself rather than the current table definition.

The binlog position is stored under --position-key in one of:
  mongo       binlog_sync_state collection of --mongo-db (default)
  sqlite      a local file at --sqlite-path
  mysql       binlog_changelog table of --position-mysql-db on the source server
  clickhouse  binlog_sync_state EmbeddedRocksDB table of --clickhouse-db

When replication halts on an event it can't apply, the log shows its binlog
position. Fix the cause and restart, or move past the event with
  tomongo position set --to=<file>:<offset>

All flags can be specified as environment variables.
--mongo-db=shop becomes TOMONGO_MONGO_DB=shop

All flags can also be specified in a json config file specified via the --config flag:

{
  "mongo-db": "shop"
}

Command line flags take precedence over environment variables and config file values.
`

type Config struct {
	MysqlHost,
	MysqlUser,
	MysqlPassword,
	MysqlDb,
	MysqlTable,
	MysqlPk,
	MysqlFlavor,
	MongoUri,
	MongoHost,
	MongoUser,
	MongoPassword,
	MongoDb,
	MongoCollection,
	InsertMode,
	PositionStore,
	PositionKeyOverride,
	SqlitePath,
	PositionMysqlDb,
	ClickhouseAddr,
	ClickhouseDb,
	ClickhouseUsername,
	ClickhousePassword,
	StartPosition,
	LogLevel,
	MetricsAddr *string

	MysqlPort,
	MongoPort,
	MysqlServerId *uint

	HeartbeatPeriod *time.Duration

	Rewind,
	CreateIndex,
	RunProfile *bool

	// set by Load
	StartFrom *changelog.Coordinate

	anonymizeFields,
	skipAnonymizeFields,
	yamlColumns *string

	AnonymizeFields,
	SkipAnonymizeFields,
	YamlColumns []*regexp.Regexp
}

func csvToRegexps(csv string) ([]*regexp.Regexp, error) {
	if csv == "" {
		return make([]*regexp.Regexp, 0), nil
	}

	s := strings.Split(csv, ",")
	var fields = make([]*regexp.Regexp, len(s))
	for i := range fields {
		r, err := regexp.Compile(s[i])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid field pattern %q", s[i])
		}
		fields[i] = r
	}
	return fields, nil
}

// New registers every flag on fs. Call Load once fs has been parsed.
func New(fs *flag.FlagSet) *Config {
	c := &Config{}

	var _ = fs.String("config", "", "config file (optional)")

	c.MysqlHost = fs.String("mysql-host", "127.0.0.1", "Source MySQL host to replicate from")
	c.MysqlPort = fs.Uint("mysql-port", 3306, "Source MySQL port")
	c.MysqlUser = fs.String("mysql-user", "root", "Source MySQL user, must have the REPLICATION SLAVE and REPLICATION CLIENT privileges")
	c.MysqlPassword = fs.String("mysql-password", "", "Source MySQL password")
	c.MysqlDb = fs.String("mysql-db", "", "Source MySQL database to replicate")
	c.MysqlTable = fs.String("mysql-table", "", "Source MySQL table to replicate")
	c.MysqlPk = fs.String("mysql-pk", "id", "Column of the source table identifying a row, used as the document key field")
	c.MysqlServerId = fs.Uint("mysql-server-id", DefaultServerID, "Replica server id to register with, must be unique among the source's replicas")
	c.MysqlFlavor = fs.String("mysql-flavor", "mysql", "Source server flavor (mysql or mariadb)")
	c.HeartbeatPeriod = fs.Duration("heartbeat-period", 60*time.Second, "Interval of replication heartbeats sent by the source while idle")

	c.MongoUri = fs.String("mongo-uri", "", "Destination MongoDB connection string, overrides --mongo-host, --mongo-port, --mongo-user and --mongo-password")
	c.MongoHost = fs.String("mongo-host", "127.0.0.1", "Destination MongoDB host")
	c.MongoPort = fs.Uint("mongo-port", 27017, "Destination MongoDB port")
	c.MongoUser = fs.String("mongo-user", "", "Destination MongoDB user")
	c.MongoPassword = fs.String("mongo-password", "", "Destination MongoDB password")
	c.MongoDb = fs.String("mongo-db", "", "Destination MongoDB database (defaults to --mysql-db)")
	c.MongoCollection = fs.String("mongo-collection", "", "Destination MongoDB collection (defaults to --mysql-table)")
	c.InsertMode = fs.String("insert-mode", "upsert", `How inserted rows are written: "upsert" replaces by key so replays are harmless, "insert" fails on a replayed insert`)
	c.CreateIndex = fs.Bool("create-index", false, "Create a unique index on the key field of the destination collection")

	c.PositionStore = fs.String("position-store", PositionStoreMongo, "Where the binlog position is stored: mongo, sqlite, mysql or clickhouse")
	c.PositionKeyOverride = fs.String("position-key", "", "Key the binlog position is stored under (defaults to <mysql-db>.<mysql-table>:<mongo-db>.<mongo-collection>)")
	c.SqlitePath = fs.String("sqlite-path", "tomongo.db", "File for --position-store=sqlite")
	c.PositionMysqlDb = fs.String("position-mysql-db", "", "Database on the source server for --position-store=mysql (defaults to --mysql-db)")
	c.ClickhouseAddr = fs.String("clickhouse-addr", "0.0.0.0:9000", "ip/url and port of clickhouse for --position-store=clickhouse")
	c.ClickhouseDb = fs.String("clickhouse-db", "mysql_changelog", "Clickhouse db for --position-store=clickhouse")
	c.ClickhouseUsername = fs.String("clickhouse-username", "default", "Clickhouse username")
	c.ClickhousePassword = fs.String("clickhouse-password", "", "Clickhouse password")

	c.StartPosition = fs.String("start-position", "", "Replace the stored binlog position and start from file:offset")
	c.Rewind = fs.Bool("rewind", false, "Replace the stored binlog position and start from the earliest binlog still on the source")

	c.yamlColumns = fs.String("yaml-columns", "", "Comma separated list of regexps matching {tableName}.{columnName} of columns to parse as yaml")
	c.anonymizeFields = fs.String("anonymize-fields",
		"",
		"Comma separated list of field name regexps to anonymize. Uses golang regexp syntax. The pattern for the field name being matched against is '{tableName}.{fieldName}.{jsonFieldName}*'. ")
	c.skipAnonymizeFields = fs.String("skip-anonymize-fields",
		"",
		"Comma separated list of field name regexps to explicitly not anonymize. Uses golang regexp syntax. The pattern for the field name being matched against is '{tableName}.{fieldName}.{jsonFieldName}*'. ")

	c.LogLevel = fs.String("log-level", "info", "Log level: debug logs every applied change")
	c.MetricsAddr = fs.String("metrics-addr", "", "Serve prometheus metrics on this address, eg :9090")
	c.RunProfile = fs.Bool("profile", false, "Outputs pprof profile to cpu.pprof for performance analysis")

	return c
}

// Options are the ff options every command parses its flags with.
func Options() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(EnvVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.JSONParser),
	}
}

func NewFromFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tomongo", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), LongHelp, "\nFlags:\n")
		fs.PrintDefaults()
	}

	c := New(fs)

	if err := ff.Parse(fs, args, Options()...); err != nil {
		return c, err
	}

	return c, c.Load()
}

// Load validates parsed flag values, compiles the field patterns and fills
// in defaults that depend on other flags.
func (c *Config) Load() error {
	var err error

	if c.YamlColumns, err = csvToRegexps(*c.yamlColumns); err != nil {
		return err
	}
	if c.AnonymizeFields, err = csvToRegexps(*c.anonymizeFields); err != nil {
		return err
	}
	if c.SkipAnonymizeFields, err = csvToRegexps(*c.skipAnonymizeFields); err != nil {
		return err
	}

	if *c.MysqlDb == "" {
		return errors.New("--mysql-db is required")
	}
	if *c.MysqlTable == "" {
		return errors.New("--mysql-table is required")
	}
	if *c.MysqlPk == "" {
		return errors.New("--mysql-pk can't be empty")
	}

	if *c.MongoDb == "" {
		*c.MongoDb = *c.MysqlDb
	}
	if *c.MongoCollection == "" {
		*c.MongoCollection = *c.MysqlTable
	}
	if *c.PositionMysqlDb == "" {
		*c.PositionMysqlDb = *c.MysqlDb
	}

	if *c.MysqlPort > 65535 || *c.MongoPort > 65535 {
		return errors.New("ports must be below 65536")
	}
	if *c.MysqlServerId == 0 || *c.MysqlServerId > 1<<32-1 {
		return errors.Errorf("--mysql-server-id %d out of range", *c.MysqlServerId)
	}

	switch *c.MysqlFlavor {
	case "mysql", "mariadb":
	default:
		return errors.Errorf("unknown --mysql-flavor %q", *c.MysqlFlavor)
	}

	switch *c.InsertMode {
	case "upsert", "insert":
	default:
		return errors.Errorf("unknown --insert-mode %q, expected upsert or insert", *c.InsertMode)
	}

	switch *c.PositionStore {
	case PositionStoreMongo, PositionStoreSqlite, PositionStoreMysql, PositionStoreClickhouse:
	default:
		return errors.Errorf("unknown --position-store %q", *c.PositionStore)
	}

	if *c.StartPosition != "" {
		if *c.Rewind {
			return errors.New("--start-position and --rewind can't be combined")
		}

		start, err := changelog.ParseCoordinate(*c.StartPosition)
		if err != nil {
			return errors.Wrap(err, "--start-position")
		}
		c.StartFrom = &start
	}

	return nil
}

func (c *Config) PositionKey() string {
	if *c.PositionKeyOverride != "" {
		return *c.PositionKeyOverride
	}

	return fmt.Sprintf("%s.%s:%s.%s", *c.MysqlDb, *c.MysqlTable, *c.MongoDb, *c.MongoCollection)
}
