package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	oms "github.com/glimte/mmate-oms"
	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/health"
	"github.com/glimte/mmate-oms/interceptors"
	"github.com/glimte/mmate-oms/internal/journal"
	"github.com/glimte/mmate-oms/internal/metrics"
	"github.com/glimte/mmate-oms/internal/reliability"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "omsctl",
		Usage: "Send messages through any registered backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Aliases: []string{"b"}, Usage: "Transport backend, see 'omsctl backends'"},
			&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "Backend connection URL"},
			&cli.StringSliceFlag{Name: "option", Aliases: []string{"o"}, Usage: "Backend option as key=value, may be repeated"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve /metrics and /health on this address"},
			&cli.DurationFlag{Name: "timeout", Usage: "Per-send timeout"},
			&cli.Int64Flag{Name: "max-in-flight", Usage: "Bound concurrent sends, 0 is unbounded"},
			&cli.IntFlag{Name: "retries", Usage: "Retries for timed out or failed sync sends"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable verbose logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "send",
				Usage: "Send messages to a topic or queue",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "topic", Aliases: []string{"t"}, Usage: "Destination topic"},
					&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Usage: "Destination queue"},
					&cli.StringFlag{Name: "body", Value: "message {i}", Usage: "Message body, {i} is replaced by the message index"},
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "Number of messages"},
					&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Value: 1, Usage: "Concurrent senders"},
					&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: modeSync, Usage: "One of sync, async, oneway, transactional, batch, atomic"},
					&cli.StringSliceFlag{Name: "property", Aliases: []string{"p"}, Usage: "Message property as key=value, may be repeated"},
					&cli.StringFlag{Name: "tx-status", Value: "commit", Usage: "Local transaction outcome in transactional mode: commit, rollback or unknown"},
					&cli.BoolFlag{Name: "hold", Usage: "Keep serving metrics after sending until interrupted"},
				},
				Action: send,
			},
			{
				Name:  "backends",
				Usage: "List registered backends",
				Action: func(c *cli.Context) error {
					for _, name := range transports.Names() {
						fmt.Fprintln(c.App.Writer, name)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewSugaredLogger creates a development logger when verbose and a
// production logger otherwise
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
		return l.Sugar(), nil
	}
	l, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create production logger: %w", err)
	}
	return l.Sugar(), nil
}

func send(c *cli.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	cfg = cfg.applyFlags(c)

	sugar, err := NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = sugar.Sync() }()
	zap.ReplaceGlobals(sugar.Desugar())

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	req, err := requestFromFlags(c)
	if err != nil {
		return err
	}
	backendOpts, err := parseKeyValues(cfg.Options)
	if err != nil {
		return err
	}
	sugar.Infow("config",
		"backend", cfg.Backend,
		"url", cfg.URL,
		"options", backendOpts,
		"mode", req.Mode,
		"count", req.Count,
		"concurrency", req.Concurrency,
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metricsHandler, err := interceptors.NewMetricsHandler(reg)
	if err != nil {
		return fmt.Errorf("failed to create metrics interceptor: %w", err)
	}

	producerOpts := []messaging.ProducerOption{
		messaging.WithSendTimeout(cfg.SendTimeout),
		messaging.WithMaxInFlight(cfg.MaxInFlight),
		messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName(cfg.Backend),
			reliability.WithStateChangeListener(func(name string, from, to reliability.State, reason string) {
				sugar.Warnw("circuit breaker state changed", "name", name, "from", from, "to", to, "reason", reason)
			}),
		)),
	}
	if cfg.Retries > 0 {
		producerOpts = append(producerOpts, messaging.WithRetryPolicy(
			reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, cfg.Retries)))
	}
	if req.Mode == modeAtomic {
		producerOpts = append(producerOpts, messaging.WithBatchPolicy(messaging.BatchAtomic))
	}
	txJournal := journal.New()
	if req.Mode == modeTransactional {
		producerOpts = append(producerOpts, messaging.WithTransactionObserver(txJournal))
	}

	clientOpts := []oms.ClientOption{
		oms.WithLogger(logger),
		oms.WithProducerOptions(producerOpts...),
		oms.WithInterceptors(
			metricsHandler,
			interceptors.NewTracingHandler(otel.GetTracerProvider()),
		),
	}
	if cfg.Verbose {
		clientOpts = append(clientOpts, oms.WithInterceptors(interceptors.NewLoggingHandler(logger)))
	}
	for k, v := range backendOpts {
		clientOpts = append(clientOpts, oms.WithBackendOption(k, v))
	}

	client, err := oms.NewClient(ctx, cfg.Backend, cfg.URL, clientOpts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(shutdownCtx); err != nil {
			sugar.Warnw("shutdown incomplete", "error", err)
		}
	}()
	p := client.Producer()

	var serverErr <-chan error
	if cfg.MetricsAddr != "" {
		if err := metrics.RegisterPending(reg, "producer", p.ID(), p); err != nil {
			return err
		}
		server := metrics.NewServer(cfg.MetricsAddr, reg, newHealthRegistry(p, cfg))
		serverErr = server.Start()
		sugar.Infow("serving metrics", "addr", cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	s, err := runSend(ctx, p, req, sugar)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	sugar.Infow("done", "summary", s.String())
	if req.Mode == modeTransactional {
		stats := txJournal.Stats()
		sugar.Infow("transactions", "steps", stats.EntriesByStep, "averageDuration", stats.AverageDuration)
		if ids := txJournal.InDoubt(); len(ids) > 0 {
			sugar.Warnw("transactions left in doubt", "count", len(ids), "transactionIds", ids)
		}
	}

	if c.Bool("hold") && serverErr != nil {
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			if err != nil {
				return err
			}
		}
	}
	if s.Failed > 0 {
		return fmt.Errorf("%d of %d messages failed", s.Failed, req.Count)
	}
	return nil
}

func requestFromFlags(c *cli.Context) (sendRequest, error) {
	props, err := parseKeyValues(c.StringSlice("property"))
	if err != nil {
		return sendRequest{}, err
	}
	status, err := parseTxStatus(c.String("tx-status"))
	if err != nil {
		return sendRequest{}, err
	}
	req := sendRequest{
		Topic:       c.String("topic"),
		Queue:       c.String("queue"),
		Body:        c.String("body"),
		Count:       c.Int("count"),
		Concurrency: c.Int("concurrency"),
		Mode:        c.String("mode"),
		Properties:  contracts.Properties(props),
		TxStatus:    status,
	}
	return req, req.validate()
}

func parseTxStatus(s string) (messaging.TransactionStatus, error) {
	for _, st := range []messaging.TransactionStatus{messaging.CommitTransaction, messaging.RollbackTransaction, messaging.Unknown} {
		if st.String() == s {
			return st, nil
		}
	}
	return messaging.Unknown, fmt.Errorf("unknown transaction status %q", s)
}

func newHealthRegistry(p *messaging.Producer, cfg Config) *health.Registry {
	checks := health.NewRegistry()
	checks.SetMetadata("backend", cfg.Backend)
	checks.SetMetadata("producerId", p.ID())

	maxPending := 10000
	if cfg.MaxInFlight > 0 {
		maxPending = int(cfg.MaxInFlight)
	}
	checks.RegisterProducer(p, maxPending, cfg.Backend, p.Transport(), 2*time.Second)
	checks.Register(health.NewRuntimeChecker(10000, 50000), health.Optional())
	return checks
}
