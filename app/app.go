package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/clickhouse"
	"bigcartel/tomongo/config"
	"bigcartel/tomongo/mongo"
	"bigcartel/tomongo/mysql"
	"bigcartel/tomongo/sqlite"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/siddontang/go-log/log"
)

const statsInterval = time.Minute

// App wires the configured source, target and position store into a
// changelog.Loop. Connections are opened on first use and released by Close.
type App struct {
	Config *config.Config
	Stats  *Stats
	Loop   *changelog.Loop

	// read by the metrics server goroutine
	mysql   atomic.Pointer[mysql.Mysql]
	mongo   *mongo.MongoDb
	closers []func() error
}

func NewApp(testing bool, c *config.Config) *App {
	app := &App{Config: c}
	app.Stats = NewStats(testing, func() float64 {
		my := app.mysql.Load()
		if my == nil {
			return 0
		}
		return float64(my.ReplicationDelay.Load())
	})

	return app
}

func (app *App) Mysql() *mysql.Mysql {
	if my := app.mysql.Load(); my != nil {
		return my
	}

	c := app.Config
	my := mysql.InitMysql(mysql.Config{
		Host:            *c.MysqlHost,
		Port:            uint16(*c.MysqlPort),
		User:            *c.MysqlUser,
		Password:        *c.MysqlPassword,
		DbName:          *c.MysqlDb,
		Table:           *c.MysqlTable,
		ServerID:        uint32(*c.MysqlServerId),
		Flavor:          *c.MysqlFlavor,
		HeartbeatPeriod: *c.HeartbeatPeriod,
	}, mysql.NewRowConverter(mysql.RowConverterConfig{
		AnonymizeFields:     c.AnonymizeFields,
		SkipAnonymizeFields: c.SkipAnonymizeFields,
		YamlColumns:         c.YamlColumns,
	}))

	app.mysql.Store(my)
	return my
}

func (app *App) Mongo(ctx context.Context) (mongo.MongoDb, error) {
	if app.mongo != nil {
		return *app.mongo, nil
	}

	c := app.Config
	db, err := mongo.EstablishMongoConnection(ctx, mongo.Config{
		URI:        *c.MongoUri,
		Host:       *c.MongoHost,
		Port:       uint16(*c.MongoPort),
		Username:   *c.MongoUser,
		Password:   *c.MongoPassword,
		DbName:     *c.MongoDb,
		Collection: *c.MongoCollection,
	})
	if err != nil {
		return mongo.MongoDb{}, err
	}

	app.mongo = &db
	app.closers = append(app.closers, func() error {
		return db.Close(context.Background())
	})

	return db, nil
}

// OpenPositionStore connects the store selected by --position-store.
func (app *App) OpenPositionStore(ctx context.Context) (changelog.PositionStore, error) {
	c := app.Config
	key := c.PositionKey()

	switch *c.PositionStore {
	case config.PositionStoreMongo:
		db, err := app.Mongo(ctx)
		if err != nil {
			return nil, err
		}
		return mongo.NewPositionStore(db.Db, key), nil
	case config.PositionStoreSqlite:
		store, err := sqlite.OpenPositionStore(ctx, *c.SqlitePath, key)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		return store, nil
	case config.PositionStoreMysql:
		store := mysql.NewPositionStore(app.Mysql(), *c.PositionMysqlDb, key)
		if err := store.Setup(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.PositionStoreClickhouse:
		db, err := clickhouse.EstablishClickhouseConnection(ctx, clickhouse.Config{
			Address:  *c.ClickhouseAddr,
			Username: *c.ClickhouseUsername,
			Password: *c.ClickhousePassword,
			DbName:   *c.ClickhouseDb,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)

		if err := db.Setup(ctx); err != nil {
			return nil, err
		}
		return clickhouse.NewPositionStore(db, key), nil
	default:
		return nil, errors.Errorf("unknown position store %q", *c.PositionStore)
	}
}

// Run replicates until ctx is cancelled and returns the process exit code:
// 0 after a clean shutdown, 1 when replication halted or could not start.
func (app *App) Run(ctx context.Context) int {
	defer app.Close()

	err := app.run(ctx)
	if err == nil {
		return 0
	}

	var halt *changelog.HaltError
	if !errors.As(err, &halt) {
		log.Errorln("replication could not start:", err)
	}

	return 1
}

func (app *App) run(ctx context.Context) error {
	c := app.Config
	my := app.Mysql()

	if err := my.CheckBinlogFormat(ctx); err != nil {
		return err
	}

	db, err := app.Mongo(ctx)
	if err != nil {
		return err
	}

	insertMode, err := mongo.ParseInsertMode(*c.InsertMode)
	if err != nil {
		return err
	}

	applier := mongo.NewApplier(db.Collection(), *c.MysqlPk, insertMode)
	if *c.CreateIndex {
		if err := applier.Setup(ctx); err != nil {
			return err
		}
	}

	positions, err := app.OpenPositionStore(ctx)
	if err != nil {
		return err
	}

	startFrom := c.StartFrom
	if *c.Rewind {
		earliest, err := my.Earliest(ctx)
		if err != nil {
			return err
		}
		log.Infoln("rewinding to earliest binlog position", earliest)
		startFrom = &earliest
	}

	app.Loop = &changelog.Loop{
		Source:    my,
		Positions: positions,
		Applier:   applier,
		Translator: changelog.Translator{
			Schema:    *c.MysqlDb,
			Table:     *c.MysqlTable,
			KeyColumn: *c.MysqlPk,
		},
		Observer:  app.Stats,
		StartFrom: startFrom,
	}

	log.Infof("replicating %s.%s into %s.%s keyed by %s, position stored in %s as %s",
		*c.MysqlDb, *c.MysqlTable, *c.MongoDb, *c.MongoCollection, *c.MysqlPk, *c.PositionStore, c.PositionKey())

	stopStats := app.printStatsEvery(ctx, statsInterval)
	defer stopStats()

	_, err = app.Loop.Run(ctx)
	app.Stats.Print()

	return err
}

func (app *App) printStatsEvery(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if my := app.mysql.Load(); my != nil {
					log.Infoln("replication delay is", my.ReplicationDelay.Load(), "seconds")
				}
				app.Stats.Print()
			}
		}
	}()

	return cancel
}

// ShowPosition writes the stored position, or a note that there is none, to w.
func (app *App) ShowPosition(ctx context.Context, w io.Writer) error {
	defer app.Close()

	store, err := app.OpenPositionStore(ctx)
	if err != nil {
		return err
	}

	c, ok, err := store.Load(ctx)
	if err != nil {
		return err
	}

	if !ok {
		_, err = fmt.Fprintf(w, "no binlog position stored for %s\n", app.Config.PositionKey())
		return err
	}

	_, err = fmt.Fprintln(w, c)
	return err
}

// SetPosition replaces the stored position, used to move past an event that
// halts replication or to replay from an earlier point.
func (app *App) SetPosition(ctx context.Context, to changelog.Coordinate) error {
	defer app.Close()

	store, err := app.OpenPositionStore(ctx)
	if err != nil {
		return err
	}

	previous, ok, err := store.Load(ctx)
	if err != nil {
		return err
	}

	if err := store.Save(ctx, to); err != nil {
		return err
	}

	if ok {
		log.Infof("binlog position for %s moved from %s to %s", app.Config.PositionKey(), previous, to)
	} else {
		log.Infof("binlog position for %s set to %s", app.Config.PositionKey(), to)
	}

	return nil
}

func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			log.Warnf("closing connection: %v", err)
		}
	}
	app.closers = nil
	app.mongo = nil
}

// ServeMetrics exposes the prometheus default registry on addr until the
// process exits.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Infoln("serving metrics on", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorln("metrics server stopped:", err)
		}
	}()
}
