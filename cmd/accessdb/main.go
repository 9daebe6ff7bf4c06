// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main contains the accessdb daemon.
//
// It opens a connection pool over a SQLite database file, keeps it healthy,
// and exposes pool and transaction state over the debug HTTP handler.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "golang.org/x/crypto/x509roots/fallback" // register root TLS certificates for production Docker image

	"github.com/vulgatecnn/afa100-sub008/build/version"
	"github.com/vulgatecnn/afa100-sub008/internal/connpool"
	"github.com/vulgatecnn/afa100-sub008/internal/engine/sqlite"
	"github.com/vulgatecnn/afa100-sub008/internal/txn"
	"github.com/vulgatecnn/afa100-sub008/internal/util/ctxutil"
	"github.com/vulgatecnn/afa100-sub008/internal/util/debug"
	"github.com/vulgatecnn/afa100-sub008/internal/util/debugbuild"
	"github.com/vulgatecnn/afa100-sub008/internal/util/logging"
	"github.com/vulgatecnn/afa100-sub008/internal/util/must"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version   bool   `default:"false"                     help:"Print version to stdout and exit." env:"-"`
	SQLiteURL string `default:"file:accessdb.sqlite"      help:"SQLite database file URI."         name:"sqlite-url"`
	DebugAddr string `default:"127.0.0.1:8088"            help:"Listen address for HTTP handlers for metrics, pprof, etc."`

	HealthInterval time.Duration `default:"30s" help:"Interval between pool health checks; 0 disables them."`
	ShutdownGrace  time.Duration `default:"5s"  help:"Time to wait for active transactions on shutdown."`

	Pool struct {
		Min                 int           `default:"1"     help:"Minimum number of connections."`
		Max                 int           `default:"10"    help:"Maximum number of connections."`
		AcquireTimeout      time.Duration `default:"30s"   help:"Maximum time to wait for a connection."`
		IdleTimeout         time.Duration `default:"30s"   help:"Idle time after which extra connections are closed."`
		CreateTimeout       time.Duration `default:"30s"   help:"Maximum time to open a single connection."`
		ReapInterval        time.Duration `default:"1s"    help:"Interval between idle connection sweeps."`
		CreateRetryInterval time.Duration `default:"200ms" help:"Pause after a failed connection attempt during startup."`
	} `embed:"" prefix:"pool-"`

	Tx struct {
		Timeout         time.Duration `default:"30s"                 help:"Time after which an active transaction is rolled back."`
		IsolationLevel  string        `default:"${default_isolation}" help:"${help_isolation}" enum:"${enum_isolation}"`
		Savepoints      bool          `default:"true"                help:"Allow savepoints."             negatable:""`
		RetryOnDeadlock bool          `default:"true"                help:"Retry busy transactions."      negatable:""`
		MaxRetries      int           `default:"3"                   help:"Maximum number of retries."`
	} `embed:"" prefix:"tx-"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}" enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`

	OTLP struct {
		Endpoint string `default:""     help:"OTLP HTTP endpoint for traces; empty disables tracing."`
		Insecure bool   `default:"false" help:"Use plain HTTP for OTLP endpoint."                      negatable:""`
	} `embed:"" prefix:"otlp-"`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	isolationLevels = []string{
		strings.ToLower(string(txn.Deferred)),
		strings.ToLower(string(txn.Immediate)),
		strings.ToLower(string(txn.Exclusive)),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_isolation": isolationLevels[0],
			"default_log_level": defaultLogLevel().String(),

			"enum_isolation":  strings.Join(isolationLevels, ","),
			"enum_log_format": strings.Join(logging.Formats, ","),

			"help_isolation":  fmt.Sprintf("Top-level transaction mode: '%s'.", strings.Join(isolationLevels, "', '")),
			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("ACCESSDB"),
	}
)

func main() {
	kong.Parse(&cli, kongOptions...)

	run()
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// poolConfig returns pool configuration from flags.
func poolConfig() *connpool.Config {
	return &connpool.Config{
		Min:                 cli.Pool.Min,
		Max:                 cli.Pool.Max,
		AcquireTimeout:      cli.Pool.AcquireTimeout,
		IdleTimeout:         cli.Pool.IdleTimeout,
		CreateTimeout:       cli.Pool.CreateTimeout,
		ReapInterval:        cli.Pool.ReapInterval,
		CreateRetryInterval: cli.Pool.CreateRetryInterval,
	}
}

// txOptions returns transaction options from flags.
func txOptions() *txn.Options {
	return &txn.Options{
		Timeout:           cli.Tx.Timeout,
		IsolationLevel:    txn.IsolationLevel(strings.ToUpper(cli.Tx.IsolationLevel)),
		SavepointsEnabled: cli.Tx.Savepoints,
		RetryOnDeadlock:   cli.Tx.RetryOnDeadlock,
		MaxRetries:        cli.Tx.MaxRetries,
	}
}

// setupLogger setups zap logger.
func setupLogger() *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.String("branch", info.Branch),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	l := logging.Setup(level, cli.Log.Format, "")

	l.Info("Starting accessdb "+info.Version+"...", startupFields...)

	if debugbuild.Enabled {
		l.Info("This is debug build. The performance will be affected.")
	}

	return l
}

// setupMetrics returns Prometheus registry with process, Go, pool, and transaction metrics.
func setupMetrics(p *connpool.Pool, r *txn.Registry) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p,
		r,
	)

	return reg
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics(g prometheus.Gatherer) {
	mfs := must.NotFail(g.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}

// ready returns readiness check function that reports degraded pool as not ready.
func ready(p *connpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		report, err := p.HealthCheck(ctx)
		if err != nil {
			return err
		}

		if report.Status != connpool.StatusHealthy {
			return fmt.Errorf("pool is %s", report.Status)
		}

		return nil
	}
}

// runHealthChecker periodically checks pool health until ctx is canceled.
func runHealthChecker(ctx context.Context, p *connpool.Pool, interval time.Duration, l *zap.Logger) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		report, err := p.HealthCheck(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.Warn("Health check failed.", zap.Error(err))
			}

			continue
		}

		s := report.Stats
		fields := []zap.Field{
			zap.String("status", string(report.Status)),
			zap.Int("total", s.TotalConnections),
			zap.Int("active", s.ActiveConnections),
			zap.Int("idle", s.IdleConnections),
			zap.Int("pending", s.PendingRequests),
		}

		if report.Status == connpool.StatusHealthy {
			l.Debug("Health check passed.", fields...)
			continue
		}

		l.Warn("Pool is degraded.", fields...)
	}
}

// ping runs a trivial transaction to make sure the database is usable.
func ping(ctx context.Context, r *txn.Registry, p *connpool.Pool, l *zap.Logger) error {
	return r.InTransaction(ctx, p, txOptions(), func(e *txn.Executor) error {
		row, err := e.Get(ctx, "SELECT sqlite_version() AS version")
		if err != nil {
			return err
		}

		l.Info("Database is ready.", zap.Any("sqlite", row["version"]))

		return nil
	})
}

// run sets up environment based on provided flags and runs accessdb.
func run() {
	// to increase a chance of resource finalizers to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	info := version.Get()

	if cli.Version {
		fmt.Fprintln(os.Stdout, "version:", info.Version)
		fmt.Fprintln(os.Stdout, "commit:", info.Commit)
		fmt.Fprintln(os.Stdout, "branch:", info.Branch)
		fmt.Fprintln(os.Stdout, "dirty:", info.Dirty)
		fmt.Fprintln(os.Stdout, "debugBuild:", info.DebugBuild)

		return
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	logger := setupLogger()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	if err := txOptions().IsolationLevel.Validate(); err != nil {
		logger.Sugar().Fatalf("Invalid transaction options: %s.", err)
	}

	otelShutdown, err := observability.SetupOtel(&observability.SetupOtelOpts{
		Service:  "accessdb",
		Version:  info.Version,
		Endpoint: cli.OTLP.Endpoint,
		Insecure: cli.OTLP.Insecure,
	})
	if err != nil {
		logger.Sugar().Fatalf("Failed to set up OpenTelemetry: %s.", err)
	}

	ctx, stop := ctxutil.SigTerm(context.Background())

	go func() {
		<-ctx.Done()
		logger.Info("Stopping...")
		stop()
	}()

	e, err := sqlite.New(cli.SQLiteURL, logger.Named("sqlite"))
	if err != nil {
		logger.Sugar().Fatalf("Failed to set up SQLite: %s.", err)
	}

	p, err := connpool.New(e, poolConfig(), logger.Named("pool"))
	if err != nil {
		logger.Sugar().Fatalf("Failed to create pool: %s.", err)
	}

	if err = p.Initialize(ctx); err != nil {
		p.Destroy()
		logger.Sugar().Fatalf("Failed to initialize pool: %s.", err)
	}

	r := txn.NewRegistry(logger, nil)

	if err = ping(ctx, r, p, logger); err != nil {
		logger.Error("Failed to ping database.", zap.Error(err))
	}

	metrics := setupMetrics(p, r)

	var wg sync.WaitGroup

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			TCPAddr: cli.DebugAddr,
			L:       logger.Named("debug"),
			R:       metrics,
			Ready:   ready(p),
		})
		if err != nil {
			logger.Sugar().Fatalf("Failed to create debug handler: %s.", err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			h.Serve(ctx)
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		runHealthChecker(ctx, p, cli.HealthInterval, logger.Named("health"))
	}()

	<-ctx.Done()

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cli.ShutdownGrace)
	defer shutdownCancel()

	if n := r.RollbackAllActive(shutdownCtx, "shutdown"); n > 0 {
		logger.Warn("Active transactions rolled back.", zap.Int("count", n))
	}

	p.Destroy()

	if err = otelShutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down OpenTelemetry.", zap.Error(err))
	}

	logger.Info("Stopped.", zap.Any("transactions", r.TransactionStats()))

	if info.DebugBuild {
		dumpMetrics(metrics)
	}
}
