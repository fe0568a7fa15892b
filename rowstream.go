package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/rowstream/admin"
	"github.com/maxpert/rowstream/cfg"
	"github.com/maxpert/rowstream/session"
	"github.com/maxpert/rowstream/source/cqlsrc"
	"github.com/maxpert/rowstream/source/pebblesrc"
	"github.com/maxpert/rowstream/source/sqlsrc"
	"github.com/maxpert/rowstream/stream"
	"github.com/maxpert/rowstream/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	queryFlag = flag.String("query", "", "Query to stream (a table name for pebble and SQL drivers)")
	seedFlag  = flag.Int("seed", 0, "Populate the pebble demo table with N rows before streaming")
	serveFlag = flag.Bool("serve", false, "Keep the admin endpoint running after the query finishes")
)

const demoTable = "demo"

// closer is implemented by every driver
type closer interface {
	session.Driver
	Close() error
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	driver, err := openDriver()
	if err != nil {
		log.Fatal().Err(err).Str("driver", string(cfg.Config.Source.Driver)).Msg("Failed to open driver")
		return
	}
	defer func() {
		if err := driver.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close driver")
		}
	}()

	if *seedFlag > 0 {
		if err := seedDemo(driver, *seedFlag); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed demo table")
			return
		}
	}

	sess, err := session.New(session.Config{
		Driver:   driver,
		ClientID: cfg.Config.ClientID,
		Options: stream.Options{
			PageSize:          cfg.Config.Paging.PageSize,
			SizeInBytes:       cfg.Config.Paging.PageSizeInBytes,
			MaxPages:          cfg.Config.Paging.MaxPages,
			MaxPagesPerSecond: cfg.Config.Paging.MaxPagesPerSecond,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
		return
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(5*time.Second, sess)
		collector.Start()
		defer collector.Stop()

		server := startAdmin(sess, driver.Name())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	query := *queryFlag
	if query == "" && *seedFlag > 0 {
		query = demoTable
	}
	if query != "" {
		if err := run(ctx, sess, query, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("query", query).Msg("Stream failed")
		}
	}

	if *serveFlag {
		log.Info().Msg("Serving admin endpoint until interrupted")
		<-ctx.Done()
	}
}

func openDriver() (closer, error) {
	src := cfg.Config.Source
	switch src.Driver {
	case cfg.DriverPebble:
		store, err := pebblesrc.Open(cfg.Config.DataDir)
		if err != nil {
			return nil, err
		}
		return pebblesrc.NewDriver(store), nil

	case cfg.DriverSQLite, cfg.DriverMySQL:
		db, err := sql.Open(string(src.Driver), src.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reach database: %w", err)
		}
		d, err := sqlsrc.New(db, sqlsrc.Config{
			Dialect:   string(src.Driver),
			KeyColumn: src.KeyColumn,
			CacheSize: src.StmtCache,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		return &sqlDriver{Driver: d, db: db}, nil

	case cfg.DriverCQL:
		d, err := cqlsrc.Connect(cqlsrc.Config{
			Hosts:          src.Hosts,
			Keyspace:       src.Keyspace,
			Consistency:    src.Consistency,
			ConnectTimeout: time.Duration(src.ConnectTimeS) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown driver: %q", src.Driver)
}

// sqlDriver closes the pool opened for the driver along with its statements
type sqlDriver struct {
	*sqlsrc.Driver
	db *sql.DB
}

func (d *sqlDriver) Close() error {
	return errors.Join(d.Driver.Close(), d.db.Close())
}

func seedDemo(driver closer, n int) error {
	pd, ok := driver.(*pebblesrc.Driver)
	if !ok {
		return fmt.Errorf("-seed requires the pebble driver, got %s", driver.Name())
	}

	store := pd.Store()
	if _, err := store.Columns(demoTable); err != nil {
		if !errors.Is(err, pebblesrc.ErrUnknownTable) {
			return err
		}
		cols := stream.ColumnDefinitions{
			{Name: "id", Type: "bigint"},
			{Name: "name", Type: "text"},
			{Name: "created_at", Type: "timestamp"},
		}
		if err := store.CreateTable(demoTable, cols); err != nil {
			return err
		}
	}

	rows := make([][]any, n)
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range rows {
		rows[i] = []any{int64(i + 1), fmt.Sprintf("row-%06d", i+1), now}
	}
	last, err := store.Append(demoTable, rows)
	if err != nil {
		return err
	}
	log.Info().Str("table", demoTable).Int("rows", n).Uint64("last_seq", last).Msg("Seeded demo table")
	return nil
}

func startAdmin(sess *session.Session, driver string) *http.Server {
	addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           admin.NewRouter(admin.NewHandlers(sess, driver), cfg.Config.Prometheus.Secret),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("address", addr).Msg("Admin endpoint listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}

// run streams query to out as tab separated rows followed by the stream metadata
func run(ctx context.Context, sess *session.Session, query string, out io.Writer) error {
	rs, err := sess.Execute(ctx, query)
	if err != nil {
		return err
	}

	rows := stream.Iterate(rs, cfg.Config.Paging.Prefetch)
	defer rows.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := false
	count := 0
	for rows.Next(ctx) {
		row := rows.Row()
		if !header {
			fmt.Fprintln(tw, strings.Join(row.Columns.Names(), "\t"))
			header = true
		}
		values := make([]string, len(row.Values))
		for i, v := range row.Values {
			values[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(tw, strings.Join(values, "\t"))
		count++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	infos, err := rs.ExecutionInfos().Await(ctx)
	if err != nil {
		return err
	}
	applied, err := rs.WasApplied().Await(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Uint64("stream_id", rs.ID()).
		Int("rows", count).
		Int("pages", len(infos)).
		Bool("applied", applied).
		Msg("Stream complete")
	for _, info := range infos {
		log.Debug().
			Int("page", info.PageNumber).
			Int("rows", info.RowCount).
			Str("coordinator", info.Coordinator).
			Dur("latency", info.FetchLatency).
			Strs("warnings", info.Warnings).
			Msg("Page")
	}
	return nil
}
