package app

import (
	"fmt"
	"sync/atomic"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/consts"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/siddontang/go-log/log"
	uatomic "go.uber.org/atomic"
)

// Stats counts loop progress. It is the loop's changelog.Observer.
type Stats struct {
	Events,
	InsertedRows,
	UpdatedRows,
	DeletedRows,
	SkippedRows,
	Checkpoints,
	Halts uint64

	lastCheckpoint uatomic.String

	promEvents,
	promInsertedRows,
	promUpdatedRows,
	promDeletedRows,
	promSkippedRows,
	promCheckpoints,
	promHalts prometheus.Counter
}

func newPrometheusCounter(name, description string, testing bool) prometheus.Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: fmt.Sprintf("%s_%s", consts.MetricsNamespace, name),
		Help: description,
	})

	if !testing {
		prometheus.MustRegister(counter)
	}

	return counter
}

// NewStats registers the counters with the default prometheus registry unless
// testing. delay reports the replication delay in seconds, it may be nil.
func NewStats(testing bool, delay func() float64) *Stats {
	if delay != nil && !testing {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: consts.MetricsNamespace + "_replication_delay_seconds",
			Help: "Seconds between the timestamp of the last binlog event read and when it was read",
		}, delay))
	}

	return &Stats{
		promEvents:       newPrometheusCounter("events", "Total number of row changes read from the binlog", testing),
		promInsertedRows: newPrometheusCounter("inserted_rows", "Total number of inserted rows written to mongodb", testing),
		promUpdatedRows:  newPrometheusCounter("updated_rows", "Total number of updated rows written to mongodb", testing),
		promDeletedRows:  newPrometheusCounter("deleted_rows", "Total number of deleted rows removed from mongodb", testing),
		promSkippedRows:  newPrometheusCounter("skipped_rows", "Total number of row changes skipped because they belong to another table", testing),
		promCheckpoints:  newPrometheusCounter("checkpoints", "Total number of binlog positions stored", testing),
		promHalts:        newPrometheusCounter("halts", "Total number of times replication halted on an error", testing),
	}
}

func (s *Stats) OnEvent(changelog.ChangeEvent) {
	s.incrementStat(&s.Events)
	s.promEvents.Inc()
}

func (s *Stats) OnApplied(ev changelog.ChangeEvent, _ changelog.Mutation) {
	switch ev.Kind() {
	case changelog.KindInsert:
		s.incrementStat(&s.InsertedRows)
		s.promInsertedRows.Inc()
	case changelog.KindUpdate:
		s.incrementStat(&s.UpdatedRows)
		s.promUpdatedRows.Inc()
	case changelog.KindDelete:
		s.incrementStat(&s.DeletedRows)
		s.promDeletedRows.Inc()
	}
}

func (s *Stats) OnSkipped(changelog.ChangeEvent, changelog.Skip) {
	s.incrementStat(&s.SkippedRows)
	s.promSkippedRows.Inc()
}

func (s *Stats) OnCheckpoint(c changelog.Coordinate) {
	s.incrementStat(&s.Checkpoints)
	s.promCheckpoints.Inc()
	s.lastCheckpoint.Store(c.String())
}

func (s *Stats) OnHalt(*changelog.HaltError) {
	s.incrementStat(&s.Halts)
	s.promHalts.Inc()
}

func (s *Stats) incrementStat(counter *uint64) {
	atomic.AddUint64(counter, 1)
}

func (s *Stats) LastCheckpoint() string {
	return s.lastCheckpoint.Load()
}

func (s *Stats) Print() {
	log.Infoln(atomic.LoadUint64(&s.Events), "row changes read")
	log.Infoln(atomic.LoadUint64(&s.InsertedRows), "inserted rows")
	log.Infoln(atomic.LoadUint64(&s.UpdatedRows), "updated rows")
	log.Infoln(atomic.LoadUint64(&s.DeletedRows), "deleted rows")
	log.Infoln(atomic.LoadUint64(&s.SkippedRows), "skipped rows of other tables")
	log.Infoln("binlog position stored", atomic.LoadUint64(&s.Checkpoints), "times, last at", s.LastCheckpoint())
}
