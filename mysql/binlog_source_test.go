package mysql

import (
	"context"
	"testing"

	"bigcartel/tomongo/changelog"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testBinlog = "mysql-bin.000007"

var productsTable = &replication.TableMapEvent{
	Schema:     []byte("shop"),
	Table:      []byte("products"),
	ColumnType: []byte{mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_VARCHAR},
}

type sourceHarness struct {
	src         *binlogSource
	ddlCount    int
	columnCalls int
	delay       atomic.Uint32
}

func newSourceHarness() *sourceHarness {
	h := &sourceHarness{}

	columns := func(ctx context.Context, t *replication.TableMapEvent) ([]Column, error) {
		h.columnCalls++
		if string(t.Table) != "products" {
			return nil, errors.Errorf("table %s.%s doesn't exist", t.Schema, t.Table)
		}
		return []Column{varchar("sku"), varchar("name")}, nil
	}

	h.src = newBinlogSource("shop", "products", NewRowConverter(RowConverterConfig{}), columns, func() { h.ddlCount++ }, &h.delay)
	return h
}

func (h *sourceHarness) feed(t *testing.T, evType replication.EventType, logPos uint32, e replication.Event) {
	t.Helper()

	ev := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: evType, LogPos: logPos},
		Event:  e,
	}
	require.NoError(t, h.src.handle(context.Background(), ev))
}

func (h *sourceHarness) drain() []changelog.ChangeEvent {
	out := h.src.ready
	h.src.ready = nil
	return out
}

func at(offset uint64) changelog.Coordinate {
	return changelog.Coordinate{File: testBinlog, Offset: offset}
}

func TestTransactionRowsResumeAtTransactionStart(t *testing.T) {
	h := newSourceHarness()

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 120, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.TABLE_MAP_EVENT, 260, productsTable)
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 340, &replication.RowsEvent{
		Table: productsTable,
		Rows:  [][]interface{}{{"a-1", "shirt"}, {"a-2", "hat"}},
	})

	evs := h.drain()
	require.Len(t, evs, 1, "expected the last row of the transaction to be held")
	assert.Equal(t, at(120), evs[0].Coordinate)
	assert.Equal(t, changelog.Insert{After: changelog.Row{"sku": "a-1", "name": "shirt"}}, evs[0].Change)

	h.feed(t, replication.XID_EVENT, 371, &replication.XIDEvent{XID: 9})

	evs = h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, at(371), evs[0].Coordinate)
	assert.Equal(t, "shop", evs[0].Schema)
	assert.Equal(t, "products", evs[0].Table)
	assert.Equal(t, changelog.Insert{After: changelog.Row{"sku": "a-2", "name": "hat"}}, evs[0].Change)

	// the next transaction resumes after the previous commit
	h.feed(t, replication.QUERY_EVENT, 430, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.DELETE_ROWS_EVENTv2, 500, &replication.RowsEvent{
		Table: productsTable,
		Rows:  [][]interface{}{{"a-1", "shirt"}, {"a-2", "hat"}},
	})
	h.feed(t, replication.XID_EVENT, 531, &replication.XIDEvent{XID: 10})

	evs = h.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, at(371), evs[0].Coordinate)
	assert.Equal(t, at(531), evs[1].Coordinate)
	assert.Equal(t, changelog.KindDelete, evs[1].Kind())
}

func TestUpdateRowsArePaired(t *testing.T) {
	h := newSourceHarness()

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.UPDATE_ROWS_EVENTv2, 300, &replication.RowsEvent{
		Table: productsTable,
		Rows:  [][]interface{}{{"a-1", "shirt"}, {"a-1", "t-shirt"}},
	})
	h.feed(t, replication.QUERY_EVENT, 340, &replication.QueryEvent{Query: []byte("COMMIT")})

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, at(340), evs[0].Coordinate)
	assert.Equal(t, changelog.Update{
		Before: changelog.Row{"sku": "a-1", "name": "shirt"},
		After:  changelog.Row{"sku": "a-1", "name": "t-shirt"},
	}, evs[0].Change)
}

func TestOddUpdateRowImagesFail(t *testing.T) {
	h := newSourceHarness()

	ev := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.UPDATE_ROWS_EVENTv2, LogPos: 300},
		Event:  &replication.RowsEvent{Table: productsTable, Rows: [][]interface{}{{"a-1", "shirt"}}},
	}

	assert.Error(t, h.src.handle(context.Background(), ev))
}

func TestOtherSchemasAreIgnored(t *testing.T) {
	h := newSourceHarness()
	other := &replication.TableMapEvent{
		Schema:     []byte("billing"),
		Table:      []byte("products"),
		ColumnType: productsTable.ColumnType,
	}

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 300, &replication.RowsEvent{Table: other, Rows: [][]interface{}{{"a-1", "shirt"}}})
	h.feed(t, replication.XID_EVENT, 331, &replication.XIDEvent{XID: 1})

	assert.Empty(t, h.drain())
	assert.Equal(t, at(331), h.src.resumeAt)
}

func TestSchemaChangeResetsTablesAndMovesResumePoint(t *testing.T) {
	h := newSourceHarness()

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.QUERY_EVENT, 900, &replication.QueryEvent{Schema: []byte("shop"), Query: []byte("ALTER TABLE products ADD COLUMN color varchar(20)")})

	assert.Equal(t, 1, h.ddlCount)
	assert.Equal(t, at(900), h.src.resumeAt)

	h.feed(t, replication.QUERY_EVENT, 950, &replication.QueryEvent{Schema: []byte("shop"), Query: []byte("FLUSH PRIVILEGES")})
	assert.Equal(t, 1, h.ddlCount)
	assert.Equal(t, at(950), h.src.resumeAt)
}

func TestRotateSwitchesFile(t *testing.T) {
	h := newSourceHarness()

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.ROTATE_EVENT, 1200, &replication.RotateEvent{Position: 4, NextLogName: []byte("mysql-bin.000008")})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 300, &replication.RowsEvent{Table: productsTable, Rows: [][]interface{}{{"b-1", "scarf"}}})
	h.feed(t, replication.XID_EVENT, 331, &replication.XIDEvent{XID: 2})

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, changelog.Coordinate{File: "mysql-bin.000008", Offset: 331}, evs[0].Coordinate)
}

func TestGtidIsRecordedOnRows(t *testing.T) {
	h := newSourceHarness()
	sid := []byte{0x3e, 0x11, 0xfa, 0x47, 0x71, 0xca, 0x11, 0xe1, 0x9e, 0x33, 0xc8, 0x0a, 0xa9, 0x42, 0x95, 0x62}

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.GTID_EVENT, 150, &replication.GTIDEvent{SID: sid, GNO: 23})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 300, &replication.RowsEvent{Table: productsTable, Rows: [][]interface{}{{"a-1", "shirt"}}})
	h.feed(t, replication.XID_EVENT, 331, &replication.XIDEvent{XID: 3})

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:23", evs[0].Gtid)
	assert.Empty(t, h.src.gtid, "expected gtid to be cleared after commit")
}

func TestReplicationDelay(t *testing.T) {
	assert.Equal(t, uint32(0), replicationDelay(^uint32(0)))
	assert.Less(t, uint32(3500), replicationDelay(1))
}

func TestOtherTablesAreNotDecoded(t *testing.T) {
	h := newSourceHarness()
	auditLog := &replication.TableMapEvent{
		Schema:     []byte("shop"),
		Table:      []byte("audit_log"),
		ColumnType: []byte{mysql.MYSQL_TYPE_JSON},
	}

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 300, &replication.RowsEvent{
		Table: auditLog,
		Rows:  [][]interface{}{{[]byte("{not json")}, {[]byte("{")}},
	})
	h.feed(t, replication.XID_EVENT, 331, &replication.XIDEvent{XID: 4})

	assert.Equal(t, 0, h.columnCalls)

	evs := h.drain()
	require.Len(t, evs, 1, "expected one undecoded event per rows event")
	assert.Equal(t, "shop", evs[0].Schema)
	assert.Equal(t, "audit_log", evs[0].Table)
	assert.Equal(t, at(331), evs[0].Coordinate)
	assert.Nil(t, evs[0].Change)

	m, err := changelog.Translate(evs[0], "products", "sku")
	require.NoError(t, err)
	assert.IsType(t, changelog.Skip{}, m)
}

func TestOtherTableRowsInsideTransactionKeepResumePoint(t *testing.T) {
	h := newSourceHarness()
	auditLog := &replication.TableMapEvent{Schema: []byte("shop"), Table: []byte("audit_log")}

	h.feed(t, replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: 120, NextLogName: []byte(testBinlog)})
	h.feed(t, replication.QUERY_EVENT, 200, &replication.QueryEvent{Query: []byte("BEGIN")})
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 300, &replication.RowsEvent{Table: auditLog, Rows: [][]interface{}{{"x"}}})
	h.feed(t, replication.WRITE_ROWS_EVENTv2, 400, &replication.RowsEvent{Table: productsTable, Rows: [][]interface{}{{"a-1", "shirt"}}})
	h.feed(t, replication.XID_EVENT, 431, &replication.XIDEvent{XID: 5})

	evs := h.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, "audit_log", evs[0].Table)
	assert.Equal(t, at(120), evs[0].Coordinate)
	assert.Equal(t, at(431), evs[1].Coordinate)
	assert.Equal(t, changelog.KindInsert, evs[1].Kind())
	assert.Equal(t, 1, h.columnCalls)
}

func TestOpenRejectsOffsetsBeyondBinlogRange(t *testing.T) {
	db := &Mysql{cfg: Config{Host: "127.0.0.1", Port: 1, DbName: "shop", Table: "products"}}

	_, err := db.Open(context.Background(), changelog.Coordinate{File: testBinlog, Offset: 1 << 32})
	assert.ErrorContains(t, err, "32 bit")
}
