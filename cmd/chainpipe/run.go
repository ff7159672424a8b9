package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/devblac/chainpipe/internal/bus"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/health"
	"github.com/devblac/chainpipe/internal/logging"
	"github.com/devblac/chainpipe/internal/metrics"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/prefilter"
	"github.com/devblac/chainpipe/internal/reexport"
	"github.com/devblac/chainpipe/internal/sink"
	"github.com/devblac/chainpipe/internal/storage"
)

var (
	flagDryRun    bool
	flagFrom      uint64
	flagHealth    string
	flagMetrics   string
	flagSubscribe string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log outputs instead of sending to sinks")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Start from height/round override")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().StringVar(&flagSubscribe, "subscribe", "", "Re-export subscribe HTTP address (e.g., :8081)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run chainpipe pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = cfg.Global.LogLevel
		}
		logFormat := os.Getenv("LOG_FORMAT")
		if logFormat == "" {
			logFormat = cfg.Global.LogFormat
		}
		log := logging.NewWithFormat(logLevel, logFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		factory := bus.NewFactory(log)
		defer factory.Close()

		if flagFrom > 0 {
			from := strconv.FormatUint(flagFrom, 10)
			cfg.Source.StartBlock = from
			cfg.Source.StartRound = from
		}
		src, err := buildSource(cfg.Source, store, factory, log)
		if err != nil {
			return fmt.Errorf("source %s: %w", cfg.Source.ID, err)
		}

		var mtr metrics.Sink = metrics.Nop{}
		metricsAddr := firstNonEmpty(flagMetrics, cfg.Metrics.Addr)
		var metricsSrv *http.Server
		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m, err := metrics.New(reg)
			if err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			mtr = m
			metricsSrv = serve(metricsAddr, metricsMux(reg), log, "metrics")
			log.Info("metrics enabled", "addr", metricsAddr)
		}

		exp, err := newExporter(cfg, log, reexport.WithMetrics(mtr))
		if err != nil {
			return fmt.Errorf("reexport: %w", err)
		}

		var subSrv *reexport.Server
		var subHTTP *http.Server
		if exp != nil {
			addr := firstNonEmpty(flagSubscribe, cfg.Reexport.Addr)
			if addr != "" {
				keepalive, err := config.Duration(cfg.Reexport.Keepalive, 0)
				if err != nil {
					return fmt.Errorf("reexport keepalive: %w", err)
				}
				subSrv = reexport.NewServer(exp, keepalive, log)
				subHTTP = serve(addr, subSrv.Handler(), log, "subscribe")
				log.Info("re-export enabled", "addr", addr)
			}
		}

		var (
			sinks  map[string]*sink.Built
			dryRun pipeline.Handler
		)
		if flagDryRun {
			dryRun = sink.NewLog("dry-run", log)
		} else {
			sinks, err = sink.BuildAll(ctx, cfg.Sinks, sink.Deps{Store: store, Bus: factory, Log: log})
			if err != nil {
				return err
			}
		}

		pipelines, err := buildPipelines(cfg.Pipelines, sinks, exp, dryRun)
		if err != nil {
			closeSinks(context.Background(), sinks)
			return err
		}

		rtCfg, err := runtimeConfig(cfg)
		if err != nil {
			closeSinks(context.Background(), sinks)
			return fmt.Errorf("runtime: %w", err)
		}
		opts := append([]engine.Option{
			engine.WithLogger(log),
			engine.WithMetrics(mtr),
		}, sinkClosers(sinks)...)
		if exp != nil {
			opts = append(opts, engine.WithExporter(exp))
		}
		rt, err := engine.New(rtCfg, src, pipelines, opts...)
		if err != nil {
			closeSinks(context.Background(), sinks)
			return err
		}

		var healthSrv *http.Server
		if addr := firstNonEmpty(flagHealth, cfg.Health.Addr); addr != "" {
			checker := health.Checker{DBPing: store.Ping, Status: rt.Status}
			if p, ok := src.(engine.Pinger); ok {
				checker.SourcePing = health.NewSourceChecker(map[string]engine.Pinger{src.Name(): p}).Ping
			}
			filters := health.NewFilterAPI(pipelines, func(id string, spec prefilter.Spec) {
				log.Info("prefilter replaced", "pipeline", id, "programs", len(spec.ProgramIDs),
					"include", len(spec.AccountsInclude), "exclude", len(spec.AccountsExclude))
			})
			healthSrv = health.Serve(addr, health.Handler(checker, filters))
			log.Info("health check enabled", "addr", addr)
		}

		log.Info("runtime starting", "source", src.Name(), "pipelines", len(pipelines), "dry_run", flagDryRun)
		runErr := rt.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if subHTTP != nil {
			_ = subHTTP.Shutdown(shutdownCtx)
			subSrv.Wait()
		}
		if healthSrv != nil {
			_ = health.Shutdown(shutdownCtx, healthSrv)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}

		st := rt.Status()
		log.Info("runtime stopped", "ingested", st.Ingested, "dropped_overflow", st.DroppedOverflow, "dropped_on_shutdown", st.DroppedShutdown)
		if runErr != nil {
			return fmt.Errorf("runtime: %w", runErr)
		}
		return nil
	},
}

func metricsMux(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

func serve(addr string, h http.Handler, log *slog.Logger, name string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(name+" server error", "error", err)
		}
	}()
	return srv
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
