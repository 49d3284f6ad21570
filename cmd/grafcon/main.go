package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	logutil "github.com/NYCU-SDC/summer/pkg/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.6.1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"grafcon/internal/browser"
	"grafcon/internal/config"
	"grafcon/internal/confluence"
	"grafcon/internal/grafana"
	"grafcon/internal/merge"
	"grafcon/internal/report"
	"grafcon/internal/scheduler"
)

var AppName = "no-app-name"

var Version = "no-version"

var BuildTime = "no-build-time"

var CommitHash = "no-commit-hash"

var Environment = "no-env"

func main() {
	AppName = os.Getenv("APP_NAME")
	if AppName == "" {
		AppName = "grafcon"
	}

	if BuildTime == "no-build-time" {
		now := time.Now()
		BuildTime = "not provided (now: " + now.Format(time.RFC3339) + ")"
	}

	Environment = os.Getenv("ENV")
	if Environment == "" {
		Environment = "no-env"
	}

	appMetadata := []zap.Field{
		zap.String("app_name", AppName),
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit_hash", CommitHash),
		zap.String("environment", Environment),
	}

	cfg, cfgLog := config.Load()
	err := cfg.Validate()
	if err != nil {
		switch {
		case errors.Is(err, config.ErrWikiURLRequired):
			log.Fatal(EarlyApplicationFailed(
				"Confluence URL is required",
				"Please set the WIKI_URL environment variable or pass the -wiki_url flag.",
			))
		case errors.Is(err, config.ErrCredentialsRequired):
			log.Fatal(EarlyApplicationFailed(
				"Confluence credentials are required",
				"Please set the CONFLUENCE_LOGIN and CONFLUENCE_PASSWORD environment variables.",
			))
		case errors.Is(err, config.ErrPageIDRequired):
			log.Fatal(EarlyApplicationFailed(
				"Confluence page id is required",
				"Please set the CONFLUENCE_PAGE_ID environment variable or pass the -confluence_page_id flag.",
			))
		case errors.Is(err, config.ErrNoTimeWindows):
			log.Fatal(EarlyApplicationFailed(
				"Nothing to do",
				"Pass at least one -window to capture charts or one -upload_folder to publish a previous run.",
			))
		default:
			log.Fatalf("Failed to validate config: %v, exiting...", err)
		}
	}

	logger, err := initLogger(&cfg, appMetadata)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v, exiting...", err)
	}

	cfgLog.FlushToZap(logger)

	if cfg.Debug {
		logger.Warn("Running in debug mode, make sure to disable it in production")
	}

	shutdown, err := initOpenTelemetry(AppName, Version, BuildTime, CommitHash, Environment, cfg.OtelCollectorUrl)
	if err != nil {
		logger.Fatal("Failed to initialize OpenTelemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting run...")

	if len(cfg.UploadFolders) > 0 {
		err = runPublishOnly(ctx, logger, cfg)
	} else {
		err = runAcquisition(ctx, logger, cfg)
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer otelCancel()
	if shutdownErr := shutdown(otelCtx); shutdownErr != nil {
		logger.Error("Forced to shutdown OpenTelemetry", zap.Error(shutdownErr))
	}

	if err != nil {
		logger.Error("Run failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Run finished")
}

// runAcquisition captures charts for every configured dashboard over the
// requested time windows, then uploads and publishes the report unless the
// run is graphs-only.
func runAcquisition(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	timepoints, err := report.ParseTimepoints(cfg.Windows, cfg.TZ)
	if err != nil {
		return fmt.Errorf("parse time windows: %w", err)
	}

	dashboards, err := config.LoadDashboards(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load dashboards: %w", err)
	}

	runID := cfg.TestID
	if runID == "" {
		runID = uuid.New().String()
	}
	runFolder := filepath.Join(cfg.RootFolder, runID+"__"+time.Now().Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(runFolder, 0o755); err != nil {
		return err
	}

	logger.Info("Capturing dashboards",
		zap.String("run_folder", runFolder),
		zap.Int("dashboards", len(dashboards)),
		zap.Int("timepoints", len(timepoints)),
	)

	var mu sync.Mutex
	var manifests []*report.Manifest

	tasks := make([]scheduler.Task, 0, len(dashboards))
	for i := range dashboards {
		dash := dashboards[i]
		tasks = append(tasks, func(ctx context.Context, w *scheduler.Worker) {
			manifest, err := captureDashboard(ctx, logger, cfg, dash, runFolder, timepoints)
			if err != nil {
				// One broken dashboard must not take the others down.
				logger.Error("Failed to process dashboard",
					zap.String("dashboard", dash.Name),
					zap.String("title", dash.DashTitle),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			manifests = append(manifests, manifest)
			mu.Unlock()
		})
	}

	pool := scheduler.New(logger, cfg.Threads, nil)
	pool.Run(ctx, tasks)

	if len(manifests) == 0 {
		return errors.New("no dashboard produced any charts")
	}

	if cfg.OnlyGraphs {
		logger.Info("Graphs-only run, skipping Confluence publishing",
			zap.String("run_folder", runFolder))
		return nil
	}

	wiki := confluence.NewClient(logger, cfg.WikiURL, cfg.WikiLogin, cfg.WikiPassword,
		cfg.PageID, cfg.Threads, cfg.InsecureWiki)

	if err := wiki.UploadDir(ctx, runFolder); err != nil {
		return err
	}
	return wiki.Publish(ctx, manifests, timepoints, cfg.GraphWidth)
}

func captureDashboard(ctx context.Context, logger *zap.Logger, cfg config.Config,
	dash config.Dashboard, runFolder string, timepoints []report.Timepoint) (*report.Manifest, error) {

	session, err := grafana.NewSession(logger, dash)
	if err != nil {
		return nil, err
	}
	if err := session.Login(ctx, cfg.WikiLogin, cfg.WikiPassword); err != nil {
		return nil, err
	}

	var browsers browser.Factory
	if !dash.Render {
		browsers = browser.NewChromeFactory(logger, browser.Options{
			Host:     dash.Host,
			Width:    dash.Width,
			Height:   dash.Height,
			Insecure: !dash.VerifySSL,
			Cookies:  session.Cookies(),
		})
	}

	svc := grafana.NewService(logger, dash, session, browsers)
	return svc.DownloadCharts(ctx, runFolder, timepoints)
}

// runPublishOnly uploads and publishes charts captured by earlier runs.
// Several run folders are first consolidated into one dataset.
func runPublishOnly(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	var manifests []*report.Manifest
	var uploadRoot string
	var err error

	if len(cfg.UploadFolders) > 1 {
		runID := cfg.TestID
		if runID == "" {
			runID = uuid.New().String()
		}
		uploadRoot = filepath.Join(cfg.RootFolder, runID+"__"+time.Now().Format("2006-01-02_15-04-05"))

		manifests, err = merge.New(logger).Merge(ctx, cfg.UploadFolders, uploadRoot)
		if err != nil {
			return fmt.Errorf("merge run folders: %w", err)
		}
	} else {
		uploadRoot = cfg.UploadFolders[0]
		manifests, err = report.LoadDir(uploadRoot)
		if err != nil {
			return fmt.Errorf("load run folder: %w", err)
		}
		if len(manifests) == 0 {
			return fmt.Errorf("no manifests found in %s", uploadRoot)
		}
	}

	wiki := confluence.NewClient(logger, cfg.WikiURL, cfg.WikiLogin, cfg.WikiPassword,
		cfg.PageID, cfg.Threads, cfg.InsecureWiki)

	if err := wiki.UploadDir(ctx, uploadRoot); err != nil {
		return err
	}

	return wiki.Publish(ctx, manifests, manifests[0].Timepoints, cfg.GraphWidth)
}

func initLogger(cfg *config.Config, appMetadata []zap.Field) (*zap.Logger, error) {
	var err error
	var logger *zap.Logger
	if cfg.Debug {
		logger, err = logutil.ZapDevelopmentConfig().Build()
		if err != nil {
			return nil, err
		}
		logger.Info("Running in debug mode", appMetadata...)
	} else {
		logger, err = logutil.ZapProductionConfig().Build()
		if err != nil {
			return nil, err
		}

		logger = logger.With(appMetadata...)
	}
	defer func() {
		err := logger.Sync()
		if err != nil {
			zap.S().Errorw("Failed to sync logger", zap.Error(err))
		}
	}()

	return logger, nil
}

func initOpenTelemetry(appName, version, buildTime, commitHash, environment, otelCollectorUrl string) (func(context.Context) error, error) {
	ctx := context.Background()

	serviceName := semconv.ServiceNameKey.String(appName)
	serviceVersion := semconv.ServiceVersionKey.String(version)
	serviceNamespace := semconv.ServiceNamespaceKey.String("example")
	serviceCommitHash := attribute.String("service.commit_hash", commitHash)
	serviceEnvironment := semconv.DeploymentEnvironmentKey.String(environment)

	res, err := resource.New(ctx,
		resource.WithAttributes(
			serviceName,
			serviceVersion,
			serviceNamespace,
			serviceCommitHash,
			serviceEnvironment,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if otelCollectorUrl != "" {
		conn, err := initGrpcConn(otelCollectorUrl)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}

		traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
		options = append(options, sdktrace.WithSpanProcessor(bsp))
	}

	tracerProvider := sdktrace.NewTracerProvider(options...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tracerProvider.Shutdown, nil
}

func initGrpcConn(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	return conn, nil
}

func EarlyApplicationFailed(title, action string) string {
	result := `
-----------------------------------------
Application Failed to Start
-----------------------------------------

# What's wrong?
%s

# How to fix it?
%s

`

	result = fmt.Sprintf(result, title, action)
	return result
}
