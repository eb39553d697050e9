package changelog

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Row is a single table row keyed by column name.
type Row map[string]interface{}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	columns := maps.Keys(r)
	slices.Sort(columns)
	return columns
}

// RowChange is one of Insert, Update or Delete.
type RowChange interface {
	Kind() Kind
	isRowChange()
}

type Insert struct {
	After Row
}

type Update struct {
	Before Row
	After  Row
}

type Delete struct {
	Before Row
}

func (Insert) Kind() Kind { return KindInsert }
func (Update) Kind() Kind { return KindUpdate }
func (Delete) Kind() Kind { return KindDelete }

func (Insert) isRowChange() {}
func (Update) isRowChange() {}
func (Delete) isRowChange() {}

// ChangeEvent is a single row change read from the binlog.
type ChangeEvent struct {
	Schema     string
	Table      string
	Coordinate Coordinate
	// GTID of the enclosing transaction when gtid_mode is on, for diagnostics only.
	Gtid      string
	Timestamp time.Time
	Change    RowChange
}

func (e ChangeEvent) Kind() Kind {
	if e.Change == nil {
		return 0
	}
	return e.Change.Kind()
}

// Mutation is one of Upsert, Delete or Skip.
type Mutation interface {
	isMutation()
}

type Upsert struct {
	Key      interface{}
	Document Row
	// Insert is set when the mutation came from an inserted row.
	Insert bool
}

type DeleteByKey struct {
	Key interface{}
}

type Skip struct {
	Reason string
}

func (Upsert) isMutation()      {}
func (DeleteByKey) isMutation() {}
func (Skip) isMutation()        {}
