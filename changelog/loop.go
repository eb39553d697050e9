package changelog

import (
	"context"

	"github.com/pkg/errors"
	"github.com/siddontang/go-log/log"
	"go.uber.org/atomic"
)

type State int32

const (
	Initializing State = iota
	Streaming
	Halted
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Streaming:
		return "streaming"
	case Halted:
		return "halted"
	case ShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// skipped events between checkpoints within a single binlog file
const skipCheckpointInterval = 1000

// Cursor is the loop's progress. Position is the coordinate of the last
// consumed event, Committed the last coordinate written to the PositionStore.
// Position runs ahead of Committed only across skipped events.
type Cursor struct {
	Committed Coordinate
	Position  Coordinate

	skipped int
}

func (c Cursor) advance(to Coordinate) Cursor {
	if c.Position.Before(to) {
		c.Position = to
	}
	return c
}

// Loop replicates one table into one collection. Events are handled strictly
// one at a time in arrival order, and the position is saved after every
// applied mutation, which gives at-least-once delivery.
type Loop struct {
	Source     SourceOpener
	Positions  PositionStore
	Applier    Applier
	Translator Translator
	Observer   Observer

	// StartFrom overrides the stored position. It is saved before streaming
	// starts so a restart continues from it rather than the old position.
	StartFrom *Coordinate

	state atomic.Int32
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Loop) observer() Observer {
	if l.Observer == nil {
		return nopObserver{}
	}
	return l.Observer
}

// Run streams until ctx is cancelled, the source ends or a failure halts
// replication. A nil error means a clean shutdown; failures are returned as
// *HaltError. Cancellation is only observed between events.
func (l *Loop) Run(ctx context.Context) (Cursor, error) {
	l.setState(Initializing)

	start, err := l.resolveStart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			l.setState(ShuttingDown)
			return Cursor{}, nil
		}
		return Cursor{}, l.halt(&HaltError{Coordinate: start, Err: err})
	}

	cursor := Cursor{Committed: start, Position: start}

	source, err := l.Source.Open(ctx, start)
	if err != nil {
		return cursor, l.halt(&HaltError{
			Coordinate: start,
			Err:        &ConnectivityError{Component: "binlog source", Err: err},
		})
	}

	defer func() {
		if err := source.Close(); err != nil {
			log.Errorln("closing binlog source:", err)
		}
	}()

	l.setState(Streaming)
	log.Infof("streaming %s into mutations keyed by %s from %s", l.Translator.Table, l.Translator.KeyColumn, start)

	for {
		if ctx.Err() != nil {
			return l.shutdown(ctx, cursor)
		}

		ev, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) || ctx.Err() != nil {
				return l.shutdown(ctx, cursor)
			}

			return cursor, l.halt(&HaltError{Coordinate: cursor.Position, Err: err})
		}

		cursor, err = l.step(ctx, cursor, ev)
		if err != nil {
			return cursor, l.halt(&HaltError{
				Coordinate: ev.Coordinate,
				Schema:     ev.Schema,
				Table:      ev.Table,
				Gtid:       ev.Gtid,
				Err:        err,
			})
		}
	}
}

func (l *Loop) resolveStart(ctx context.Context) (Coordinate, error) {
	if l.StartFrom != nil {
		log.Infoln("starting from requested binlog position", *l.StartFrom)
		return *l.StartFrom, l.save(ctx, *l.StartFrom)
	}

	stored, ok, err := l.Positions.Load(ctx)
	if err != nil {
		return Coordinate{}, errors.Wrap(err, "loading stored binlog position")
	}

	if ok {
		log.Infoln("read binlog position", stored)
		return stored, nil
	}

	head, err := l.Source.Head(ctx)
	if err != nil {
		return Coordinate{}, &ConnectivityError{Component: "binlog source", Err: err}
	}

	// Saved right away, otherwise a restart before the first applied event
	// would begin from a newer head and miss whatever happened in between.
	log.Infoln("no stored binlog position, starting from current head", head)
	return head, l.save(ctx, head)
}

func (l *Loop) step(ctx context.Context, cursor Cursor, ev ChangeEvent) (Cursor, error) {
	l.observer().OnEvent(ev)

	m, err := l.Translator.Translate(ev)
	if err != nil {
		return cursor, err
	}

	// a stop signal must not interrupt a write that's already started
	applyCtx := context.WithoutCancel(ctx)

	if skip, ok := m.(Skip); ok {
		l.observer().OnSkipped(ev, skip)
		return l.skip(applyCtx, cursor, ev.Coordinate)
	}

	if err := l.Applier.Apply(applyCtx, m); err != nil {
		var applyErr *ApplyError
		if !errors.As(err, &applyErr) {
			err = &ApplyError{Op: MutationOp(m), Key: MutationKey(m), Err: err}
		}
		return cursor, err
	}

	l.observer().OnApplied(ev, m)

	return l.commit(applyCtx, cursor, ev.Coordinate)
}

// skip moves the cursor past an event without a mutation. The position is
// saved once it reaches another binlog file or after skipCheckpointInterval
// skips, otherwise an idle table would keep the stored position on binlog
// files the server may purge.
func (l *Loop) skip(ctx context.Context, cursor Cursor, to Coordinate) (Cursor, error) {
	cursor = cursor.advance(to)
	cursor.skipped++

	if cursor.Position.File != cursor.Committed.File || cursor.skipped >= skipCheckpointInterval {
		return l.commit(ctx, cursor, cursor.Position)
	}

	return cursor, nil
}

func (l *Loop) commit(ctx context.Context, cursor Cursor, to Coordinate) (Cursor, error) {
	if to.Before(cursor.Committed) {
		log.Warnf("not moving binlog position back from %s to %s", cursor.Committed, to)
		return cursor, nil
	}

	if err := l.save(ctx, to); err != nil {
		return cursor, err
	}

	cursor.Committed = to
	cursor.skipped = 0
	return cursor.advance(to), nil
}

func (l *Loop) save(ctx context.Context, c Coordinate) error {
	if err := l.Positions.Save(ctx, c); err != nil {
		return &PositionPersistError{Coordinate: c, Err: err}
	}

	l.observer().OnCheckpoint(c)
	return nil
}

// shutdown persists progress made over skipped events since the last commit.
func (l *Loop) shutdown(ctx context.Context, cursor Cursor) (Cursor, error) {
	l.setState(ShuttingDown)

	if cursor.Committed.Before(cursor.Position) {
		if err := l.save(context.WithoutCancel(ctx), cursor.Position); err != nil {
			return cursor, l.halt(&HaltError{Coordinate: cursor.Position, Err: err})
		}
		cursor.Committed = cursor.Position
		cursor.skipped = 0
	}

	log.Infoln("replication stopped at", cursor.Committed)
	return cursor, nil
}

func (l *Loop) halt(err *HaltError) error {
	l.setState(Halted)
	l.observer().OnHalt(err)

	log.Errorf("replication halted at %s (schema %q, table %q, gtid %q): %v",
		err.Coordinate, err.Schema, err.Table, err.Gtid, err.Err)

	return err
}

// MutationOp names a mutation for logs and errors.
func MutationOp(m Mutation) string {
	switch v := m.(type) {
	case Upsert:
		if v.Insert {
			return "insert"
		}
		return "upsert"
	case DeleteByKey:
		return "delete"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

func MutationKey(m Mutation) interface{} {
	switch v := m.(type) {
	case Upsert:
		return v.Key
	case DeleteByKey:
		return v.Key
	default:
		return nil
	}
}
