// Package changelog holds the change capture core: the binlog coordinate and
// row change types, the translation of row changes into keyed document
// mutations and the loop that applies them in binlog order while checkpointing
// the position it has reached.
//
// The binlog transport, the document store and the position storage are
// reached only through the interfaces declared here.
package changelog

import (
	"context"
)

// Source yields row changes in binlog order. Next blocks until an event is
// available, ctx is done, or the stream ends with ErrEndOfStream.
type Source interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

// SourceOpener starts sources at a coordinate and reports the current head
// of the log, used when there is no stored position.
type SourceOpener interface {
	Head(ctx context.Context) (Coordinate, error)
	Open(ctx context.Context, from Coordinate) (Source, error)
}

// PositionStore durably records the last committed coordinate.
// Load returns false when nothing has been stored yet.
type PositionStore interface {
	Load(ctx context.Context) (Coordinate, bool, error)
	Save(ctx context.Context, c Coordinate) error
}

// Applier writes a mutation to the target store. Upsert and DeleteByKey must
// be idempotent; Skip is never passed in by the loop.
type Applier interface {
	Apply(ctx context.Context, m Mutation) error
}

// Observer receives loop progress notifications, used for metrics.
type Observer interface {
	OnEvent(ev ChangeEvent)
	OnApplied(ev ChangeEvent, m Mutation)
	OnSkipped(ev ChangeEvent, s Skip)
	OnCheckpoint(c Coordinate)
	OnHalt(err *HaltError)
}

type nopObserver struct{}

func (nopObserver) OnEvent(ChangeEvent) {}
func (nopObserver) OnApplied(ChangeEvent, Mutation) {}
func (nopObserver) OnSkipped(ChangeEvent, Skip) {}
func (nopObserver) OnCheckpoint(Coordinate) {}
func (nopObserver) OnHalt(*HaltError) {}
