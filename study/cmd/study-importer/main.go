package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/studydata/study/pkg/audit"
	"github.com/malbeclabs/studydata/study/pkg/clickhouse"
	"github.com/malbeclabs/studydata/study/pkg/dupes"
	"github.com/malbeclabs/studydata/study/pkg/files"
	"github.com/malbeclabs/studydata/study/pkg/importer"
	"github.com/malbeclabs/studydata/study/pkg/metadata"
	"github.com/malbeclabs/studydata/study/pkg/metrics"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/server"
	"github.com/malbeclabs/studydata/study/pkg/storage/postgres"
	"github.com/malbeclabs/studydata/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type clickhouseFlags struct {
	addr, database, username, password *string
	secure                             *bool
}

func (f clickhouseFlags) config() clickhouse.Config {
	return clickhouse.Config{
		Addr:     *f.addr,
		Database: *f.database,
		Username: *f.username,
		Password: *f.password,
		Secure:   *f.secure,
	}
}

func run() error {
	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set POSTGRES_DSN env var)")
	lsidAuthorityFlag := flag.String("lsid-authority", "", "LSID authority of this installation (or set LSID_AUTHORITY env var)")

	// ClickHouse configuration (audit log and import runs)
	ch := clickhouseFlags{
		addr:     flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)"),
		database: flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)"),
		username: flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)"),
		password: flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)"),
		secure:   flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse (or set CLICKHOUSE_SECURE=true env var)"),
	}

	// File attachment roots
	filesRootFlag := flag.String("files-root", "", "Local directory holding container file roots")
	filesS3BucketFlag := flag.String("files-s3-bucket", "", "S3 bucket holding container file roots (or set FILES_S3_BUCKET env var)")
	filesS3PrefixFlag := flag.String("files-s3-prefix", "", "Key prefix inside the files bucket")
	filesS3RegionFlag := flag.String("files-s3-region", "", "Region of the files bucket (or set AWS_REGION env var)")
	filesS3EndpointFlag := flag.String("files-s3-endpoint", "", "Endpoint of an S3-compatible store")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN (or set SENTRY_DSN env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics in one-shot commands")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run PostgreSQL (and ClickHouse, if configured) migrations")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show PostgreSQL migration status")
	serveFlag := flag.Bool("serve", false, "Serve the import HTTP API")
	importFileFlag := flag.String("import-file", "", "Import rows from a .csv or .tsv file")
	regenerateLSIDsFlag := flag.Bool("regenerate-lsids", false, "Recompute the stored lsids of a dataset")
	verifyLSIDsFlag := flag.Bool("verify-lsids", false, "Report stored lsids that disagree with their key columns")

	// Command options
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address the import API listens on")
	importRateFlag := flag.Float64("import-rate", 1, "Imports per second allowed per client")
	importBurstFlag := flag.Int("import-burst", 10, "Import burst allowed per client")
	containerFlag := flag.String("container", "", "Container the dataset belongs to")
	datasetFlag := flag.Int("dataset", 0, "Dataset id")
	userIDFlag := flag.Int64("user-id", 0, "User id recorded as the importer")
	checkDuplicatesFlag := flag.String("check-duplicates", "sourceAndDestination", "Duplicate policy: never, sourceOnly or sourceAndDestination")
	forUpdateFlag := flag.Bool("for-update", false, "Replace stored rows that share a key with imported rows")
	allowManagedKeysFlag := flag.Bool("allow-managed-keys", false, "Keep supplied values of server-managed key columns")
	commentFlag := flag.String("comment", "", "Comment recorded in the audit log")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("LSID_AUTHORITY"); env != "" {
		*lsidAuthorityFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_ADDR_TCP"); env != "" {
		*ch.addr = env
	}
	if env := os.Getenv("CLICKHOUSE_DATABASE"); env != "" {
		*ch.database = env
	}
	if env := os.Getenv("CLICKHOUSE_USERNAME"); env != "" {
		*ch.username = env
	}
	if env := os.Getenv("CLICKHOUSE_PASSWORD"); env != "" {
		*ch.password = env
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*ch.secure = true
	}
	if env := os.Getenv("FILES_S3_BUCKET"); env != "" {
		*filesS3BucketFlag = env
	}
	if env := os.Getenv("AWS_REGION"); env != "" && *filesS3RegionFlag == "" {
		*filesS3RegionFlag = env
	}
	if env := os.Getenv("SENTRY_DSN"); env != "" {
		*sentryDSNFlag = env
	}

	if *postgresDSNFlag == "" {
		return fmt.Errorf("--postgres-dsn is required")
	}

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              *sentryDSNFlag,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if err := postgres.Up(ctx, log, *postgresDSNFlag); err != nil {
			return err
		}
		if *ch.addr != "" {
			return clickhouse.Up(ctx, log, ch.config())
		}
		return nil
	}
	if *migrateStatusFlag {
		return postgres.Status(ctx, log, *postgresDSNFlag)
	}

	needsDataset := *importFileFlag != "" || *regenerateLSIDsFlag || *verifyLSIDsFlag
	if needsDataset {
		if *containerFlag == "" {
			return fmt.Errorf("--container is required for dataset commands")
		}
		if *datasetFlag == 0 {
			return fmt.Errorf("--dataset is required for dataset commands")
		}
	}
	if (needsDataset || *serveFlag) && *lsidAuthorityFlag == "" {
		return fmt.Errorf("--lsid-authority is required")
	}

	if !needsDataset && !*serveFlag {
		flag.Usage()
		return errors.New("no command given")
	}

	store, err := postgres.New(ctx, postgres.Config{Logger: log, ConnString: *postgresDSNFlag})
	if err != nil {
		return err
	}
	defer store.Close()

	if *regenerateLSIDsFlag || *verifyLSIDsFlag {
		ds, err := store.Dataset(ctx, *containerFlag, *datasetFlag)
		if err != nil {
			return err
		}
		if *regenerateLSIDsFlag {
			n, err := store.RegenerateLSIDs(ctx, ds, *lsidAuthorityFlag)
			if err != nil {
				return err
			}
			fmt.Printf("regenerated %d lsids of %s\n", n, ds.Name)
			return nil
		}
		mismatches, err := store.VerifyLSIDs(ctx, ds, *lsidAuthorityFlag)
		if err != nil {
			return err
		}
		for _, m := range mismatches {
			fmt.Printf("%s\t%s\n", m.Stored, m.Computed)
		}
		if len(mismatches) > 0 {
			return fmt.Errorf("%d stored lsids of %s are stale", len(mismatches), ds.Name)
		}
		log.Info("all lsids match", "dataset", ds.Name)
		return nil
	}

	sinks := audit.Multi{audit.LogSink{Log: log}}
	if *ch.addr != "" {
		conn, err := clickhouse.Open(ctx, log, ch.config())
		if err != nil {
			return err
		}
		defer conn.Close()
		sinks = append(sinks, clickhouse.NewAuditStore(log, conn))
	}

	resolver, err := fileResolver(ctx, *filesRootFlag, files.S3Config{
		Region:    *filesS3RegionFlag,
		Bucket:    *filesS3BucketFlag,
		Prefix:    *filesS3PrefixFlag,
		Endpoint:  *filesS3EndpointFlag,
		PathStyle: *filesS3EndpointFlag != "",
	})
	if err != nil {
		return err
	}

	cache, err := metadata.New(metadata.Config{Logger: log, Source: store})
	if err != nil {
		return err
	}

	imp, err := importer.New(importer.Config{
		Logger:    log,
		Store:     store,
		Authority: *lsidAuthorityFlag,
		Audit:     sinks,
		Runs:      sinks,
		Cache:     cache,
		Files:     resolver,
	})
	if err != nil {
		return err
	}

	if *serveFlag {
		srv, err := server.New(server.Config{
			Logger:      log,
			Importer:    imp,
			Datasets:    cache,
			Ready:       store.Ping,
			Version:     version,
			ImportRate:  rate.Limit(*importRateFlag),
			ImportBurst: *importBurstFlag,
		})
		if err != nil {
			return err
		}
		defer srv.Close()
		return srv.ListenAndServe(ctx, *listenAddrFlag)
	}

	startMetricsServer(log, *metricsAddrFlag)

	policy, err := dupes.ParsePolicy(*checkDuplicatesFlag)
	if err != nil {
		return err
	}
	return importFile(ctx, log, imp, cache, importFileConfig{
		Path:      *importFileFlag,
		Container: *containerFlag,
		DatasetID: *datasetFlag,
		User:      &model.User{ID: *userIDFlag},
		Options: importer.Options{
			CheckDuplicates:        policy,
			ForUpdate:              *forUpdateFlag,
			AllowImportManagedKeys: *allowManagedKeysFlag,
			TargetContainer:        *containerFlag,
			AuditComment:           *commentFlag,
		},
	})
}

// fileResolver prefers a local root over S3. No resolver is returned when
// neither is configured.
func fileResolver(ctx context.Context, root string, s3cfg files.S3Config) (files.Resolver, error) {
	switch {
	case root != "":
		return &files.FSResolver{Root: root}, nil
	case s3cfg.Bucket != "":
		return files.NewS3Resolver(ctx, s3cfg)
	}
	return nil, nil
}

func startMetricsServer(log *slog.Logger, addr string) {
	if addr == "" {
		return
	}
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			return
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil {
			log.Error("failed to start prometheus metrics server", "error", err)
		}
	}()
}

type importFileConfig struct {
	Path      string
	Container string
	DatasetID int
	User      *model.User
	Options   importer.Options
}

func importFile(ctx context.Context, log *slog.Logger, imp *importer.Importer, datasets server.Datasets, cfg importFileConfig) error {
	ds, err := datasets.Dataset(ctx, cfg.Container, cfg.DatasetID)
	if err != nil {
		return err
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}
	defer f.Close()

	in, err := rows.ReadDelimited(f, rows.DelimiterFor(cfg.Path))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cfg.Path, err)
	}

	start := time.Now()
	ids, err := imp.ImportRows(ctx, ds, cfg.User, in, cfg.Options)
	if err != nil {
		if importer.IsValidation(err) {
			fmt.Fprintln(os.Stderr, err.Error())
			return fmt.Errorf("import of %s rejected", cfg.Path)
		}
		return err
	}
	log.Info("imported rows", "dataset", ds.Name, "rows", len(ids), "duration", time.Since(start))
	return nil
}
