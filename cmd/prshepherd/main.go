package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/prshepherd/prshepherd/internal/cfg"
	"github.com/prshepherd/prshepherd/internal/gitcmd"
	"github.com/prshepherd/prshepherd/internal/githubclt"
	"github.com/prshepherd/prshepherd/internal/logfields"
	"github.com/prshepherd/prshepherd/internal/orchestrator"
	"github.com/prshepherd/prshepherd/internal/provider/github"
)

const appName = "prshepherd"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const EventChannelBufferSize = 1024

const (
	defWebhookEndpoint = "/listener/github"
	defMetricsEndpoint = "/metrics"
	defStatusEndpoint  = "/status"
)

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/prshepherd/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the prshepherd configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nReceive GitHub webhook events and shepherd pull requests to the merge.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// worktreeFactory returns per-repository git clones below workDir.
// The clone of a repository is created on first use and reused afterwards,
// the orchestrator serializes worktree access per repository.
func worktreeFactory(config *cfg.Config) orchestrator.WorktreeFactory {
	workDir := config.Orchestrator.GitWorkDir

	return func(ctx context.Context, repo orchestrator.Repository) (orchestrator.Worktree, error) {
		remoteURL := fmt.Sprintf(
			"https://x-access-token:%s@github.com/%s/%s.git",
			config.GithubAPIToken, repo.Owner, repo.Name,
		)

		return gitcmd.Open(
			ctx,
			filepath.Join(workDir, repo.Owner, repo.Name),
			remoteURL,
			config.Orchestrator.CommitAuthor,
			config.Orchestrator.CommitEmail,
		)
	}
}

func mustOrchestratorCfg(config *cfg.Config) *orchestrator.Config {
	repos := make([]orchestrator.Repository, 0, len(config.Orchestrator.Repositories))
	for _, repo := range config.Orchestrator.Repositories {
		repos = append(repos, orchestrator.Repository{
			Owner: repo.Owner,
			Name:  repo.RepositoryName,
		})
	}

	stageTimeout, err := config.StageTimeout()
	exitOnErr("could not parse stage_timeout", err)

	reevalIntv, err := config.ReevaluationInterval()
	exitOnErr("could not parse reevaluation_interval", err)

	return &orchestrator.Config{
		Repositories:         repos,
		FilterQuery:          config.Orchestrator.FilterQuery,
		FormatterCommands:    config.Orchestrator.FormatterCommands,
		ValidateCommand:      config.Orchestrator.ValidateCommand,
		ResolvePolicy:        gitcmd.Policy(config.Orchestrator.ResolvePolicy),
		StageTimeout:         stageTimeout,
		ReevaluationInterval: reevalIntv,
		BlockingLabels:       config.Orchestrator.BlockingLabels,
	}
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	githubClient := githubclt.New(config.GithubAPIToken)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.Int("repository_count", len(config.Orchestrator.Repositories)),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	evChan := make(chan *github.Event, EventChannelBufferSize)

	orch, err := orchestrator.New(
		mustOrchestratorCfg(config),
		githubClient,
		worktreeFactory(config),
		evChan,
	)
	exitOnErr("could not initialize the orchestrator", err)

	orch.Start()

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping orchestrator",
			logfields.Event("orchestrator_stopping"),
		)

		close(evChan)
		orch.Stop()
	})

	gh := github.New(
		[]chan<- *github.Event{evChan},
		github.WithPayloadSecret(config.GithubWebHookSecret),
	)

	mux := http.NewServeMux()

	webhookEndpoint := config.HTTPGithubWebhookEndpoint
	if webhookEndpoint == "" {
		webhookEndpoint = defWebhookEndpoint
	}

	mux.HandleFunc(webhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", webhookEndpoint),
	)

	metricsEndpoint := config.HTTPMetricsEndpoint
	if metricsEndpoint == "" {
		metricsEndpoint = defMetricsEndpoint
	}

	mux.Handle(metricsEndpoint, promhttp.Handler())

	statusEndpoint := config.HTTPStatusEndpoint
	if statusEndpoint == "" {
		statusEndpoint = defStatusEndpoint
	}

	orchestrator.NewHTTPService(orch).RegisterHandlers(mux, statusEndpoint)

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}
