// Command tablereader runs a single Table Reader worker against a Postgres
// source, using the in-memory reference SMS. Logging setup and env-var
// config loading follow source-boilerplate's RunMain (getEnvDefault, the
// LOG_FORMAT/LOG_LEVEL switch, signal.NotifyContext for graceful shutdown).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dcotten/tablereader/internal/pgsource"
	"github.com/dcotten/tablereader/internal/registry"
	"github.com/dcotten/tablereader/internal/sms"
	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

func main() {
	switch format := getEnvDefault("LOG_FORMAT", "color"); format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.WithField("format", format).Fatal("invalid LOG_FORMAT (expected 'json', 'text', or 'color')")
	}
	if lvl, err := log.ParseLevel(getEnvDefault("LOG_LEVEL", "info")); err != nil {
		log.WithFields(log.Fields{"level": getEnvDefault("LOG_LEVEL", "info"), "error": err}).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx); err != nil {
		log.WithError(err).Fatal("table reader exited with error")
	}
}

func run(ctx context.Context) error {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		log.Fatal("DATABASE_URL is required")
	}
	schema := getEnvDefault("TABLE_SCHEMA", "public")

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return err
	}
	defer pool.Close()

	cfg := tablereader.Config{
		BackfillID: mustEnv("BACKFILL_ID"),
		TableOID:   mustEnv("TABLE_OID"),
	}
	if n := os.Getenv("INITIAL_PAGE_SIZE"); n != "" {
		cfg.InitialPageSize = mustAtoi(n)
	}
	if n := os.Getenv("MAX_PAGE_SIZE"); n != "" {
		cfg.MaxPageSize = mustAtoi(n)
	}

	table := tablereader.TableRef{
		OID:        cfg.TableOID,
		KeyColumns: splitCSV(mustEnv("KEY_COLUMNS")),
	}
	slotName := mustEnv("SLOT_NAME")
	consumerID := mustEnv("CONSUMER_ID")

	var minCursor tablereader.Cursor
	if raw := os.Getenv("MIN_CURSOR"); raw != "" {
		mc, err := tablereader.UnmarshalCursor([]byte(raw))
		if err != nil {
			log.WithError(err).Fatal("invalid MIN_CURSOR (expected a JSON array)")
		}
		minCursor = mc
	}

	db := pgsource.Open(pool, schema)
	store := sms.New()
	reg := registry.New(pool)
	notifier := registry.NewNotifier(connString)
	consumers := tablereader.NewMultisetRegistry()

	worker := tablereader.NewWorker(cfg, db, store, reg, batchesChanged{notifier}, consumers, table, slotName, consumerID, minCursor)

	log.WithFields(log.Fields{
		"backfill_id": cfg.BackfillID,
		"table_oid":   cfg.TableOID,
		"consumer_id": consumerID,
	}).Info("starting table reader")

	err = worker.Run(ctx)
	if err == nil {
		return nil
	}
	var stopErr *tablereader.WorkerStopError
	if errors.As(err, &stopErr) {
		log.WithField("reason", stopErr.Reason).Info("table reader stopped")
		if stopErr.Reason == tablereader.StopReasonFinished {
			return nil
		}
		return stopErr
	}
	return err
}

type batchesChanged struct {
	n *registry.Notifier
}

func (b batchesChanged) Subscribe(ctx context.Context, consumerID string) (<-chan struct{}, func(), error) {
	return b.n.Subscribe(ctx, consumerID)
}

func getEnvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.WithField("var", name).Fatal("required environment variable is unset")
	}
	return v
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.WithField("value", s).Fatal("expected an integer")
	}
	return n
}

func splitCSV(s string) []string {
	return strings.Split(s, ",")
}
