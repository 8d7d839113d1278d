package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/lis/internal/config"
	"github.com/ehr/lis/internal/domain/qc"
	"github.com/ehr/lis/internal/domain/validation"
	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/internal/platform/db"
	"github.com/ehr/lis/internal/platform/metrics"
	"github.com/ehr/lis/internal/platform/middleware"
	"github.com/ehr/lis/internal/platform/notification"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "lis-server",
		Short:        "Lab result validation and QC service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "lis").Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for a tenant schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tenant, dir := migrateFlags(cmd, cfg)
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %s", tenant)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tenant, dir := migrateFlags(cmd, cfg)
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %s", tenant)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "Tenant whose schema is migrated (default DEFAULT_TENANT)")
	cmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
}

func migrateFlags(cmd *cobra.Command, cfg *config.Config) (tenant, dir string) {
	tenant, _ = cmd.Flags().GetString("tenant")
	dir, _ = cmd.Flags().GetString("dir")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	return tenant, dir
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
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
			pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created and migrated.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a value against a rules file without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			rulesPath, _ := cmd.Flags().GetString("rules")
			raw, _ := cmd.Flags().GetString("value")
			typ, _ := cmd.Flags().GetString("type")

			var previous *float64
			if cmd.Flags().Changed("previous") {
				p, _ := cmd.Flags().GetFloat64("previous")
				previous = &p
			}

			f, err := os.Open(rulesPath)
			if err != nil {
				return fmt.Errorf("open rules: %w", err)
			}
			defer f.Close()

			out, err := runEvaluate(f, raw, validation.ResultType(typ), previous)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(out, '\n'))
			return err
		},
	}
	cmd.Flags().String("rules", "", "JSON file holding an array of validation rules")
	cmd.Flags().String("value", "", "Result value to evaluate")
	cmd.Flags().Float64("previous", 0, "Prior final value for delta rules")
	cmd.Flags().String("type", "", "Result type hint: numeric or text")
	_ = cmd.MarkFlagRequired("rules")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

// runEvaluate decodes rules from r and returns the indented outcome JSON.
func runEvaluate(r io.Reader, raw string, typ validation.ResultType, previous *float64) ([]byte, error) {
	if typ != "" && typ != validation.ResultNumeric && typ != validation.ResultText {
		return nil, fmt.Errorf("--type must be numeric or text, got %q", typ)
	}
	var rules []*validation.ValidationRule
	if err := json.NewDecoder(r).Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	o := validation.EvaluateOffline(validation.ParseResultValue(raw, typ), typ, rules, previous)
	return json.MarshalIndent(o, "", "  ")
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.LoadWithoutDatabase()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			tok, err := auth.IssueToken(jwtConfig(cfg), subject, tenant, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (user or analyzer id)")
	cmd.Flags().String("tenant", "", "Tenant claim (default DEFAULT_TENANT)")
	cmd.Flags().StringSlice("roles", []string{auth.RoleLabTech}, "Roles claim")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", db.HealthHandler(pool, version))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	jwtCfg := jwtConfig(cfg)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests run as admin")
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	apiV1.Use(middleware.RateLimit(rl))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Critical-value paging
	senders := notification.NewLogSender(logger)
	notifyMgr := notification.NewManager(senders, senders, notification.NewTemplateEngine(), 0)
	dispatcher := notification.NewCriticalDispatcher(notifyMgr, cfg.CriticalNotifyRecipient,
		notification.Channel(cfg.CriticalNotifyChannel))
	if cfg.CriticalNotifyRecipient == "" {
		logger.Warn().Msg("CRITICAL_NOTIFY_RECIPIENT not set; critical results are recorded but nobody is paged")
	}

	// Validation
	ruleRepo := validation.NewRuleRepoPG(pool)
	resultRepo := validation.NewResultRepoPG(pool)
	notificationRepo := validation.NewNotificationRepoPG(pool)
	deltaChecker := validation.NewDeltaChecker(resultRepo, cfg.DeltaLookupTimeout, logger)
	engine := validation.NewEngine(ruleRepo, deltaChecker, logger)
	notifier := validation.NewCriticalNotifier(notificationRepo, dispatcher, logger)
	auditWriter := validation.NewMultiAuditWriter(
		validation.NewLogAuditWriter(logger.With().Str("component", "audit").Logger()),
		validation.NewAuditRepoPG(pool),
	)
	validationSvc := validation.NewService(ruleRepo, resultRepo, notificationRepo,
		auditWriter, engine, notifier, logger)
	validation.NewHandler(validationSvc).RegisterRoutes(apiV1)

	// Quality control
	qcSvc := qc.NewService(qc.NewMaterialRepoPG(pool), qc.NewResultRepoPG(pool), cfg.QCHistorySize, logger)
	qc.NewHandler(qcSvc).RegisterRoutes(apiV1)

	// Delivery log
	admin := apiV1.Group("", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(notifyMgr).RegisterRoutes(admin)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
