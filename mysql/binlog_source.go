package mysql

import (
	"bytes"
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bigcartel/tomongo/changelog"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/siddontang/go-log/log"
	"go.uber.org/atomic"
)

// mariadb GTID events without this flag open a transaction
const mariadbStandaloneFlag = 1

var ddlQuery = regexp.MustCompile(`(?i)^\s*(alter|create|drop|rename|truncate)\s+table\b`)

// Open starts a binlog stream at from. Only row changes of the configured
// database are returned by the source, and only rows of the configured table
// are decoded.
func (db *Mysql) Open(ctx context.Context, from changelog.Coordinate) (changelog.Source, error) {
	if from.File == "" {
		return nil, errors.Errorf("cannot stream from %s, binlog file name is empty", from)
	}

	if from.Offset > math.MaxUint32 {
		return nil, errors.Errorf("cannot stream from %s, binlog offsets are 32 bit", from)
	}

	if from.Offset < firstEventOffset {
		from.Offset = firstEventOffset
	}

	cfg := replication.BinlogSyncerConfig{
		ServerID:                db.cfg.ServerID,
		Flavor:                  db.cfg.Flavor,
		Host:                    db.cfg.Host,
		Port:                    db.cfg.Port,
		User:                    db.cfg.User,
		Password:                db.cfg.Password,
		HeartbeatPeriod:         db.cfg.HeartbeatPeriod,
		TimestampStringLocation: time.UTC,
		UseDecimal:              true,
		DisableRetrySync:        true,
		RawModeEnabled:          true,
	}

	syncer := replication.NewBinlogSyncer(cfg)

	streamer, err := syncer.StartSync(mysql.Position{Name: from.File, Pos: uint32(from.Offset)})
	if err != nil {
		syncer.Close()
		return nil, &changelog.ConnectivityError{Component: "mysql binlog " + db.cfg.Address(), Err: err}
	}

	log.Infof("streaming binlog of %s from %s as server id %d", db.cfg.DbName, from, db.cfg.ServerID)

	src := newBinlogSource(db.cfg.DbName, db.cfg.Table, db.Converter, db.eventColumns, db.ResetTables, &db.ReplicationDelay)
	src.parser.SetFlavor(db.cfg.Flavor)
	src.syncer = syncer
	src.streamer = streamer
	src.file = from.File
	src.resumeAt = from

	return src, nil
}

// binlogSource turns binlog events into change events.
//
// Rows of a transaction can only be re-read from the start of the
// transaction, since a rows event can't be decoded without the table map
// event preceding it. Every row is therefore reported at the coordinate the
// transaction started at, except the last row of the transaction which is
// held back until the commit event and reported at the coordinate following
// the commit.
type binlogSource struct {
	schema    []byte
	table     []byte
	converter *RowConverter
	columns   func(ctx context.Context, t *replication.TableMapEvent) ([]Column, error)
	onDDL     func()
	delay     *atomic.Uint32

	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	parser   *replication.BinlogParser

	file     string
	resumeAt changelog.Coordinate
	inTxn    bool

	gtid       string
	sid        []byte
	serverUuid string
	commitTime time.Time

	held  *changelog.ChangeEvent
	ready []changelog.ChangeEvent
}

func newBinlogSource(
	schema string,
	table string,
	converter *RowConverter,
	columns func(ctx context.Context, t *replication.TableMapEvent) ([]Column, error),
	onDDL func(),
	delay *atomic.Uint32,
) *binlogSource {
	parser := replication.NewBinlogParser()
	parser.SetFlavor("mysql")
	parser.SetUseDecimal(true)
	parser.SetParseTime(false)
	parser.SetTimestampStringLocation(time.UTC)

	return &binlogSource{
		schema:    []byte(schema),
		table:     []byte(table),
		converter: converter,
		columns:   columns,
		onDDL:     onDDL,
		delay:     delay,
		parser:    parser,
	}
}

func (s *binlogSource) Next(ctx context.Context) (changelog.ChangeEvent, error) {
	for len(s.ready) == 0 {
		rawEv, err := s.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return changelog.ChangeEvent{}, ctx.Err()
			}
			return changelog.ChangeEvent{}, &changelog.ConnectivityError{Component: "mysql binlog", Err: err}
		}

		ev, err := s.parse(rawEv)
		if err != nil {
			return changelog.ChangeEvent{}, err
		}

		if ev == nil {
			continue
		}

		if err := s.handle(ctx, ev); err != nil {
			return changelog.ChangeEvent{}, err
		}
	}

	ev := s.ready[0]
	s.ready = s.ready[1:]

	return ev, nil
}

func (s *binlogSource) Close() error {
	if s.syncer != nil {
		s.syncer.Close()
	}
	return nil
}

// parse decodes the raw events this source acts on, nil for the rest.
func (s *binlogSource) parse(rawEv *replication.BinlogEvent) (*replication.BinlogEvent, error) {
	switch rawEv.Header.EventType {
	case replication.FORMAT_DESCRIPTION_EVENT,
		replication.ROTATE_EVENT,
		replication.QUERY_EVENT,
		replication.TABLE_MAP_EVENT,
		replication.GTID_EVENT,
		replication.MARIADB_GTID_EVENT,
		replication.XID_EVENT,
		replication.WRITE_ROWS_EVENTv0,
		replication.UPDATE_ROWS_EVENTv0,
		replication.DELETE_ROWS_EVENTv0,
		replication.WRITE_ROWS_EVENTv1,
		replication.DELETE_ROWS_EVENTv1,
		replication.UPDATE_ROWS_EVENTv1,
		replication.WRITE_ROWS_EVENTv2,
		replication.UPDATE_ROWS_EVENTv2,
		replication.DELETE_ROWS_EVENTv2:

		ev, err := s.parser.Parse(rawEv.RawData)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s in %s", rawEv.Header.EventType, s.file)
		}
		return ev, nil
	default:
		return nil, nil
	}
}

func (s *binlogSource) handle(ctx context.Context, ev *replication.BinlogEvent) error {
	after := changelog.Coordinate{File: s.file, Offset: uint64(ev.Header.LogPos)}

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		s.file = string(e.NextLogName)
		if !s.inTxn {
			s.resumeAt = changelog.Coordinate{File: s.file, Offset: e.Position}
		}
		// rotate events sent on connect are not in the log and carry no timestamp
		return nil
	case *replication.GTIDEvent:
		s.commitTime = e.OriginalCommitTime()

		if !bytes.Equal(e.SID, s.sid) {
			sid, err := uuid.FromBytes(e.SID)
			if err != nil {
				return errors.Wrap(err, "failed parsing GTID event server UUID")
			}
			s.sid = e.SID
			s.serverUuid = sid.String()
		}

		s.gtid = s.serverUuid + ":" + strconv.FormatInt(e.GNO, 10)
	case *replication.MariadbGTIDEvent:
		s.gtid = e.GTID.String()
		s.commitTime = time.Time{}
		if e.Flags&mariadbStandaloneFlag == 0 {
			s.inTxn = true
		}
	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))

		switch {
		case strings.EqualFold(query, "BEGIN"):
			s.inTxn = true
		case strings.EqualFold(query, "COMMIT"), strings.EqualFold(query, "ROLLBACK"):
			s.commit(after)
		case s.inTxn:
		default:
			if ddlQuery.MatchString(query) {
				log.Infof("schema change in %s, dropping cached table schemas: %s", e.Schema, query)
				s.onDDL()
			}
			s.commit(after)
		}
	case *replication.XIDEvent:
		s.commit(after)
	case *replication.RowsEvent:
		if !bytes.Equal(e.Table.Schema, s.schema) {
			break
		}

		if err := s.rows(ctx, ev.Header, e); err != nil {
			return err
		}
	}

	if s.delay != nil && ev.Header.Timestamp > 0 {
		s.delay.Store(replicationDelay(ev.Header.Timestamp))
	}

	return nil
}

// commit releases the held row at the coordinate after the commit event,
// which becomes the resume point of the next transaction.
func (s *binlogSource) commit(after changelog.Coordinate) {
	if s.held != nil {
		s.held.Coordinate = after
		s.ready = append(s.ready, *s.held)
		s.held = nil
	}

	s.resumeAt = after
	s.inTxn = false
	s.gtid = ""
	s.commitTime = time.Time{}
}

func (s *binlogSource) rows(ctx context.Context, header *replication.EventHeader, e *replication.RowsEvent) error {
	timestamp := s.commitTime
	if timestamp.IsZero() {
		timestamp = time.Unix(int64(header.Timestamp), 0).UTC()
	}

	emit := func(change changelog.RowChange) {
		if s.held != nil {
			s.ready = append(s.ready, *s.held)
		}

		s.held = &changelog.ChangeEvent{
			Schema:     string(e.Table.Schema),
			Table:      string(e.Table.Table),
			Coordinate: s.resumeAt,
			Gtid:       s.gtid,
			Timestamp:  timestamp,
			Change:     change,
		}
	}

	if bytes.Equal(e.Table.Table, s.table) {
		if err := s.decodeRows(ctx, header, e, emit); err != nil {
			return err
		}
	} else {
		// rows of other tables are never decoded, a single event without a
		// row change carries the coordinate past them
		emit(nil)
	}

	// autocommitted rows outside of BEGIN/COMMIT are complete on their own
	if !s.inTxn {
		s.commit(changelog.Coordinate{File: s.file, Offset: uint64(header.LogPos)})
	}

	return nil
}

func (s *binlogSource) decodeRows(
	ctx context.Context,
	header *replication.EventHeader,
	e *replication.RowsEvent,
	emit func(change changelog.RowChange),
) error {
	table := string(e.Table.Table)

	columns, err := s.columns(ctx, e.Table)
	if err != nil {
		return err
	}

	convert := func(values []interface{}) (changelog.Row, error) {
		return s.converter.ConvertRow(table, columns, values)
	}

	switch header.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, values := range e.Rows {
			row, err := convert(values)
			if err != nil {
				return err
			}
			emit(changelog.Insert{After: row})
		}
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, values := range e.Rows {
			row, err := convert(values)
			if err != nil {
				return err
			}
			emit(changelog.Delete{Before: row})
		}
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		if len(e.Rows)%2 != 0 {
			return errors.Errorf("update rows event for %s has an odd number of row images", table)
		}

		for i := 0; i < len(e.Rows); i += 2 {
			before, err := convert(e.Rows[i])
			if err != nil {
				return err
			}

			after, err := convert(e.Rows[i+1])
			if err != nil {
				return err
			}

			emit(changelog.Update{Before: before, After: after})
		}
	}

	return nil
}

func replicationDelay(eventTime uint32) uint32 {
	now := uint32(time.Now().Unix())

	if now >= eventTime {
		return now - eventTime
	}
	return 0
}

// eventColumns names the columns of a rows event. Column names come from the
// event itself when binlog_row_metadata is FULL, otherwise from the current
// table schema, which must then have the same number of columns.
func (db *Mysql) eventColumns(ctx context.Context, t *replication.TableMapEvent) ([]Column, error) {
	schemaName, tableName := string(t.Schema), string(t.Table)
	names := t.ColumnNameString()

	table, err := db.GetMysqlTable(ctx, schemaName, tableName)
	if err != nil && len(names) == 0 {
		return nil, err
	}

	if len(names) > 0 && len(names) != len(t.ColumnType) {
		return nil, errors.Errorf("%s.%s binlog event names %d of %d columns", schemaName, tableName, len(names), len(t.ColumnType))
	}

	if len(names) == 0 {
		if len(table.Columns) != len(t.ColumnType) {
			return nil, errors.Errorf(
				"%s.%s has %d columns but the binlog event has %d, set binlog_row_metadata=FULL to replicate across schema changes",
				schemaName, tableName, len(table.Columns), len(t.ColumnType))
		}

		names = make([]string, len(table.Columns))
		for i, c := range table.Columns {
			names[i] = c.Name
		}
	}

	columns := make([]Column, len(t.ColumnType))
	for i, typ := range t.ColumnType {
		columns[i] = Column{Name: names[i], Type: typ}

		if table != nil {
			if idx := table.FindColumn(names[i]); idx >= 0 {
				raw := strings.ToLower(table.Columns[idx].RawType)
				columns[i].Binary = strings.Contains(raw, "blob") || strings.Contains(raw, "binary")
			}
		}
	}

	return columns, nil
}
