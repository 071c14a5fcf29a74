package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docgate/docgate/internal/config"
	"github.com/docgate/docgate/internal/domain/intake"
	"github.com/docgate/docgate/internal/domain/review"
	"github.com/docgate/docgate/internal/pipeline/classify"
	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/pipeline/engine"
	"github.com/docgate/docgate/internal/pipeline/extract"
	"github.com/docgate/docgate/internal/pipeline/fhirmap"
	"github.com/docgate/docgate/internal/pipeline/normalize"
	"github.com/docgate/docgate/internal/pipeline/quality"
	"github.com/docgate/docgate/internal/pipeline/route"
	"github.com/docgate/docgate/internal/platform/auth"
	"github.com/docgate/docgate/internal/platform/blobstore"
	"github.com/docgate/docgate/internal/platform/db"
	"github.com/docgate/docgate/internal/platform/events"
	"github.com/docgate/docgate/internal/platform/hipaa"
	"github.com/docgate/docgate/internal/platform/middleware"
	"github.com/docgate/docgate/internal/platform/notification"
	"github.com/docgate/docgate/internal/platform/reporting"
	"github.com/docgate/docgate/internal/platform/telemetry"
)

// resultSource adapts the intake service's decrypting result lookup to the
// review service's ResultSource interface. Review approval republishes the
// stored result, so the record must come back with PHI fields in the clear.
type resultSource struct {
	svc *intake.Service
}

func (r resultSource) GetByDocument(ctx context.Context, docID uuid.UUID) (*document.PipelineResult, error) {
	return r.svc.GetResult(ctx, docID)
}

// reviewEnqueuer breaks the construction cycle between the publisher and the
// review service: the publisher needs an enqueuer before the review service
// exists, and the review service needs the publisher to republish approvals.
// The svc field is set once during wiring, before any document is processed.
type reviewEnqueuer struct {
	svc *review.Service
}

func (r *reviewEnqueuer) Enqueue(ctx context.Context, doc document.Document, res *document.PipelineResult) error {
	return r.svc.Enqueue(ctx, doc, res)
}

// resultStore breaks the same cycle between the worker pool and the intake
// service: the pool persists results through the intake service, which needs
// the pool as its submitter.
type resultStore struct {
	svc *intake.Service
}

func (r *resultStore) SaveResult(ctx context.Context, res document.PipelineResult) error {
	return r.svc.SaveResult(ctx, res)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "docgate-server",
		Short: "Payer document intake, classification and routing pipeline",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the document pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Drifted {
						status = "drifted"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore the schema from a backup, or write a forward migration that undoes the change.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			fmt.Printf("Tenant created successfully. Run migrations with: docgate-server migrate up --schema tenant_%s\n", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PHI encryption key",
		Long: "Prints a fresh AES-256 key, hex-encoded for use as HIPAA_ENCRYPTION_KEY.\n" +
			"When rotating, move the old key into HIPAA_PREVIOUS_KEYS and bump\n" +
			"HIPAA_KEY_VERSION.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hipaa.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage quality-gate scorer artifacts",
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the scorer ensemble from a corpus of feature vectors",
		Long: "Reads a JSONL corpus where each line is a feature vector computed from a\n" +
			"presumed-normal document, fits the scaler and the three scorers, and writes\n" +
			"one versioned artifact bundle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			corpus, _ := cmd.Flags().GetString("corpus")
			out, _ := cmd.Flags().GetString("out")
			contamination, _ := cmd.Flags().GetFloat64("contamination")

			if corpus == "" {
				return fmt.Errorf("--corpus is required")
			}
			vectors, err := readVectorCorpus(corpus)
			if err != nil {
				return err
			}

			bundle, err := quality.Train(vectors, contamination)
			if err != nil {
				return fmt.Errorf("training failed: %w", err)
			}
			if err := bundle.Save(out); err != nil {
				return err
			}
			fmt.Printf("Trained on %d vectors (contamination %.2f).\n", bundle.TrainedOn, bundle.Contamination)
			fmt.Printf("Bundle written to %s (feature version %s).\n", out, bundle.FeatureVersion)
			return nil
		},
	}
	trainCmd.Flags().String("corpus", "", "Path to JSONL corpus of feature vectors")
	trainCmd.Flags().String("out", "artifacts/bundle.json", "Output bundle path")
	trainCmd.Flags().Float64("contamination", 0.1, "Expected anomaly fraction in (0, 0.5)")
	cmd.AddCommand(trainCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect [bundle]",
		Short: "Print a bundle summary without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var b quality.Bundle
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("not a bundle file: %w", err)
			}
			fmt.Printf("Feature version: %s (this build computes %s)\n", b.FeatureVersion, quality.FeatureVersion)
			fmt.Printf("Created at:      %s\n", b.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Trained on:      %d vectors, contamination %.2f\n", b.TrainedOn, b.Contamination)
			fmt.Printf("Density:         %d centroids, bandwidth %.4f, threshold %.4f\n",
				len(b.Density.Centroids), b.Density.Bandwidth, b.Density.Threshold)
			fmt.Printf("Boundary:        radius %.4f, threshold %.4f\n", b.Boundary.Radius, b.Boundary.Threshold)
			fmt.Printf("Reconstruction:  %d components, max error %.4f, threshold %.4f\n",
				len(b.Reconstruction.Components), b.Reconstruction.MaxError, b.Reconstruction.Threshold)
			return nil
		},
	}
	cmd.AddCommand(inspectCmd)

	validateCmd := &cobra.Command{
		Use:   "validate [bundle]",
		Short: "Check a bundle against this build's feature version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := quality.LoadBundle(args[0]); err != nil {
				return err
			}
			fmt.Printf("Bundle is valid for feature version %s.\n", quality.FeatureVersion)
			return nil
		},
	}
	cmd.AddCommand(validateCmd)

	return cmd
}

// readVectorCorpus reads a JSONL file where each non-empty line is a JSON
// array of feature values.
func readVectorCorpus(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vectors [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var v []float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		vectors = append(vectors, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	return vectors, nil
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Manage the publish outbox",
	}

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-deliver pending publishes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "tenant_"+cfg.DefaultTenant)
			if err != nil {
				return err
			}
			defer pool.Close()

			dispatcher := events.NewDispatcher(logger)
			if cfg.SinkURL != "" {
				sink, err := events.NewHTTPSink("downstream", cfg.SinkURL, cfg.SinkSecret, events.WithSinkLogger(logger))
				if err != nil {
					return err
				}
				dispatcher.Register(sink)
			} else {
				fmt.Println("WARNING: SINK_URL is not set; deliveries have nowhere to go.")
			}

			retrier := engine.NewRetrier(engine.NewOutboxRepo(pool), dispatcher, engine.WithRetrierLogger(logger))
			delivered, failed, err := retrier.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Delivered %d pending entr(ies), %d still failing.\n", delivered, failed)
			return nil
		},
	}
	cmd.AddCommand(retryCmd)

	trimCmd := &cobra.Command{
		Use:   "trim",
		Short: "Delete delivered outbox entries past their retention window",
		Long: "Removes delivered entries whose delivery predates the outbox_entry purge\n" +
			"window. Pending entries are never trimmed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			days, _ := cmd.Flags().GetInt("days")
			if days <= 0 {
				policy := hipaa.NewRetentionService(hipaa.DefaultRetentionPolicies(), zerolog.Nop()).
					GetPolicy(hipaa.ClassOutboxEntry)
				days = policy.PurgeAfter
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -days)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "tenant_"+cfg.DefaultTenant)
			if err != nil {
				return err
			}
			defer pool.Close()

			trimmed, err := engine.NewOutboxRepo(pool).TrimDelivered(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("Trimmed %d delivered entr(ies) older than %s.\n", trimmed, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	trimCmd.Flags().Int("days", 0, "Override the cutoff in days (default: the outbox_entry purge window)")
	cmd.AddCommand(trimCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration is not safe to run")
	}

	// Database. The pool's default search_path is the default tenant's
	// schema so pipeline workers and recovery loops, which run outside any
	// request, write the same tables the tenant middleware resolves.
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "tenant_"+cfg.DefaultTenant)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Quality-gate artifacts load once, before anything can enqueue work. A
	// version mismatch refuses startup rather than scoring with stale
	// parameters.
	bundle, err := quality.LoadBundle(cfg.ArtifactPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ArtifactPath).
			Msg("scorer artifacts unusable; run `docgate-server artifacts train` or fix ARTIFACT_PATH")
	}
	logger.Info().
		Str("feature_version", bundle.FeatureVersion).
		Int("trained_on", bundle.TrainedOn).
		Msg("scorer artifacts loaded")

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "docgate-server",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Env,
	})
	pipelineMetrics := tp.PipelineMetrics()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Break-Glass"},
	}))
	bodyLimitDefault, err := middleware.ParseLimit(cfg.BodyLimitDefault)
	if err != nil {
		logger.Fatal().Err(err).Msg("BODY_LIMIT_DEFAULT is malformed")
	}
	bodyLimitUpload, err := middleware.ParseLimit(cfg.BodyLimitUpload)
	if err != nil {
		logger.Fatal().Err(err).Msg("BODY_LIMIT_UPLOAD is malformed")
	}
	e.Use(middleware.BodyLimit(bodyLimitDefault, bodyLimitUpload))
	e.Use(middleware.RequestTimeout(30*time.Second, "/api/v1/reports"))
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	// Auth middleware. API keys ride the same Authorization header with the
	// dgw_ prefix; a request the key middleware authenticated must not then
	// be parsed as a JWT. Creating a key with a quota plan registers the
	// plan with the submitter quota below.
	quota := middleware.NewSubmitterQuota()
	apiKeys := auth.NewAPIKeyManager(auth.NewInMemoryAPIKeyStore(), auth.WithPlanAssigner(quota))
	revocations := auth.NewTokenRevocationStore()
	defer revocations.Close()
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.APIKeyMiddleware(apiKeys, auth.WithScopeEnforcement(true)))
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			JWKSURL:     cfg.AuthJWKSURL,
			Revocations: revocations,
			Skipper: func(c echo.Context) bool {
				return auth.AuthSkipper(c) || c.Get("api_key_id") != nil
			},
		}))
	}
	e.Use(middleware.BreakGlass(logger))

	// Tenant middleware. Public infrastructure paths skip resolution so
	// they never wait on the pool.
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, auth.AuthSkipper))

	// Audit middleware feeds both the durable PHI access log and the
	// in-memory searcher behind /api/v1/audit.
	accessLog := hipaa.NewAccessLog(pool)
	auditSearcher := hipaa.NewAuditSearcher()
	e.Use(middleware.Audit(logger, accessLog, auditSearcher))

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Plan quotas for API-key submitters, on top of the coarse limiter.
	apiV1.Use(middleware.QuotaMiddleware(quota))
	middleware.NewQuotaHandler(quota).RegisterRoutes(
		apiV1.Group("/quota", auth.RequireRole("admin")))

	// Collection-level policy checks run before any handler.
	policyEngine := auth.NewPolicyEngine(auth.DefaultPolicies())
	apiV1.Use(auth.PolicyMiddleware(policyEngine))

	// ETag revalidation for status pollers; report aggregates additionally
	// get a short-lived response cache.
	apiV1.Use(middleware.HTTPCacheMiddleware(middleware.DefaultCacheConfig()))
	apiV1.Use(middleware.ResponseCacheMiddleware(
		middleware.NewInMemoryCacheStore(), 5*time.Minute, "/api/v1/reports/measures"))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", tp.PrometheusHandler())

	// PHI field encryption
	prevKeys, err := hipaa.ParsePreviousKeys(cfg.HIPAAPreviousKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("HIPAA_PREVIOUS_KEYS is malformed")
	}
	phi, err := hipaa.NewServiceWithRotation(cfg.HIPAAEncryptionKey, cfg.HIPAAKeyVersion, prevKeys, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create PHI encryption service")
	}

	// Blob storage
	var blobs blobstore.Store
	switch cfg.BlobBackend {
	case "minio":
		blobs, err = blobstore.NewMinIO(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to MinIO")
		}
		logger.Info().Str("endpoint", cfg.MinIOEndpoint).Str("bucket", cfg.MinIOBucket).Msg("blob storage: minio")
	default:
		blobs = blobstore.NewMemory()
		logger.Warn().Msg("blob storage: in-memory; payloads do not survive restarts")
	}

	// Event dispatch. The downstream HTTP sink is optional; without it
	// publishes only park in the outbox.
	dispatcher := events.NewDispatcher(logger)
	if cfg.SinkURL != "" {
		sink, err := events.NewHTTPSink("downstream", cfg.SinkURL, cfg.SinkSecret, events.WithSinkLogger(logger))
		if err != nil {
			logger.Fatal().Err(err).Msg("SINK_URL is not usable")
		}
		dispatcher.Register(sink)
		logger.Info().Str("url", sink.URL()).Msg("downstream sink registered")
	} else {
		logger.Warn().Msg("SINK_URL not set; published events are not delivered anywhere")
	}

	// Notifications
	logSender := notification.NewLogSender(logger)
	notifMgr := notification.NewNotificationManager(logSender, logSender, notification.NewTemplateEngine())
	resultNotifier := notification.NewResultNotifier(notifMgr, cfg.NotifyReviewEmail, cfg.NotifyOpsEmail, logger)

	// Pipeline stages
	adapters := []extract.Adapter{extract.NewPlainText(), extract.NewHTMLText(), extract.NewPDFText()}
	if cfg.OCREndpoint != "" {
		adapters = append(adapters, extract.NewHTTPOCR(cfg.OCREndpoint))
		logger.Info().Str("endpoint", cfg.OCREndpoint).Msg("OCR fallback enabled")
	}
	chain := extract.NewChain(adapters,
		extract.WithConfidenceFloor(cfg.ConfidenceFloor),
		extract.WithAttemptTimeout(cfg.ExtractTimeout),
		extract.WithLogger(logger))

	var classifier classify.Classifier = classify.NewKeyword()
	if cfg.ClassifierEndpoint != "" {
		classifier = classify.NewHTTPClassify(cfg.ClassifierEndpoint)
		logger.Info().Str("endpoint", cfg.ClassifierEndpoint).Msg("using external classifier")
	}

	registry := normalize.DefaultRegistry()
	if cfg.SchemaRegistryPath != "" {
		registry, err = normalize.LoadRegistry(cfg.SchemaRegistryPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SchemaRegistryPath).Msg("schema registry unusable")
		}
	}
	normalizer := normalize.New(registry)

	gate := quality.NewGate(bundle, quality.WithGateLogger(logger))
	router := route.New(route.WithThreshold(cfg.ClassThreshold), route.WithLogger(logger))

	// Publisher and engine. The review enqueuer is late-bound because the
	// review service republishes through this same publisher.
	outbox := engine.NewOutboxRepo(pool)
	enqueuer := &reviewEnqueuer{}
	publisher := engine.NewPublisher(dispatcher, outbox,
		engine.WithReviewEnqueuer(enqueuer),
		engine.WithFHIRMapper(fhirmap.MapResult),
		engine.WithPublisherLogger(logger))

	eng := engine.New(chain, classifier, normalizer, gate, router, publisher,
		engine.WithClassifyTimeout(cfg.ClassifyTimeout),
		engine.WithEngineLogger(logger))

	// Worker pool and intake service reference each other; the store side is
	// late-bound the same way as the enqueuer.
	store := &resultStore{}
	workerPool := engine.NewPool(cfg.PipelineWorkers, eng,
		engine.WithQueueDepth(cfg.PipelineQueueDepth),
		engine.WithResultStore(store),
		engine.WithResultObserver(func(res document.PipelineResult) {
			pipelineMetrics.ObserveResult(res)
			resultNotifier.ObserveResult(res)
		}),
		engine.WithPoolLogger(logger))

	intakeSvc := intake.NewService(
		intake.NewDocumentRepoPG(pool), intake.NewResultRepoPG(pool),
		blobs, workerPool, dispatcher, phi, logger)
	store.svc = intakeSvc

	reviewSvc := review.NewService(review.NewRepoPG(pool), resultSource{svc: intakeSvc},
		publisher, dispatcher, logger)
	enqueuer.svc = reviewSvc

	// -- Register Domain Handlers --

	intake.NewHandler(intakeSvc).RegisterRoutes(apiV1)
	review.NewHandler(reviewSvc).RegisterRoutes(apiV1)

	// Reporting framework
	disclosures := hipaa.NewDisclosureRepo(pool)
	reporting.NewHandler(pool, phi, disclosures, logger).RegisterRoutes(apiV1)

	// HIPAA surfaces: disclosure accounting, audit search, retention schedule
	hipaa.RegisterDisclosureRoutes(apiV1, disclosures)
	hipaa.NewAuditSearchHandler(auditSearcher).RegisterRoutes(apiV1)
	hipaa.RegisterRetentionRoutes(apiV1, hipaa.NewRetentionService(hipaa.DefaultRetentionPolicies(), logger))

	// Notification operations (admin/operator only)
	opsGroup := apiV1.Group("", auth.RequireRole("admin", "operator"))
	notification.NewNotificationHandler(notifMgr).RegisterRoutes(opsGroup)
	auth.NewAPIKeyHandler(apiKeys).RegisterRoutes(apiV1.Group("/api-keys", auth.RequireRole("admin")))
	auth.RegisterRevocationRoutes(apiV1, revocations)

	// Background loops share one cancelable context.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	workerPool.Start(bgCtx)

	retrier := engine.NewRetrier(outbox, dispatcher, engine.WithRetrierLogger(logger))
	go retrier.Run(bgCtx, cfg.OutboxRetryInterval)

	if cfg.NotifyReviewEmail != "" {
		slaWatcher := review.NewSLAWatcher(reviewSvc, notifMgr, cfg.NotifyReviewEmail,
			review.WithSLAWatcherLogger(logger))
		go slaWatcher.Run(bgCtx, time.Hour)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	// Drain queued documents before the pool closes so every accepted
	// submission still yields a persisted result.
	workerPool.Stop()
	bgCancel()
	_ = tp.Shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
