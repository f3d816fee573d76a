package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
	"github.com/roach88/receiptsync/internal/outbox"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string        // overrides metrics.addr
	Outbox      string        // where published requests go; "-" is stdout
	OutboxTick  time.Duration // outbox drain interval
	Once        bool          // exit after the input is drained
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [signals.jsonl|-]",
		Short: "Start the engine and consume inbound signals",
		Long: `Start the sync engine over a SQLite database.

The engine runs the startup recovery sweep, then reads JSON-lines records
(signals and newly arrived messages) from the given file or stdin. After
the input ends it keeps running, firing backfill timeouts and publishing
outbound requests, until SIGINT or SIGTERM. With --once it drains pending
work and exits instead.

Outbound backfill requests and attachment downloads are written to
--outbox as JSON lines.

Example:
  receiptsync run --db ./receiptsync.db signals.jsonl
  tail -f feed.jsonl | receiptsync run --config base.yml,local.yml -
  receiptsync run --db /tmp/t.db --once --outbox out.jsonl signals.jsonl`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "-"
			if len(args) == 1 {
				input = args[0]
			}
			return runEngine(opts, input, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides config)")
	cmd.Flags().StringVar(&opts.Outbox, "outbox", "-", "file to append outbound requests to (- for stdout)")
	cmd.Flags().DurationVar(&opts.OutboxTick, "outbox-tick", time.Second, "outbox drain interval")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit once the input is consumed")

	return cmd
}

func runEngine(opts *RunOptions, input string, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.close()
	log := rt.log

	metrics.Register()
	addr := rt.cfg.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}
	if addr != "" {
		srv, err := serveMetrics(addr, log)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics listener", err)
		}
		defer shutdownServer(srv, log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := rt.recover(ctx); err != nil {
		return err
	}

	out, err := openOutboxSink(opts.Outbox, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open outbox sink", err)
	}
	defer out.Close()
	worker := outbox.NewWorker(rt.outbox, outbox.NewJSONLines(out), log, outbox.Options{Tick: opts.OutboxTick})
	worker.Start()
	stopWorker := sync.OnceFunc(worker.Stop)
	defer stopWorker()

	in, err := openInput(input, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open input", err)
	}
	defer in.Close()

	log.Info("engine started", zap.String("db", rt.cfg.Database.Path), zap.String("input", input))
	fmt.Fprintln(cmd.ErrOrStderr(), "Engine started. Consuming signals...")

	sum, err := consume(ctx, rt.engine, in, log)
	rt.engine.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "ingest stopped", err)
	}
	log.Info("input drained",
		zap.Int("accepted", sum.Accepted),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("rejected", sum.Rejected),
		zap.Int("messages", sum.Messages),
		zap.Int("bad_lines", sum.BadLines))

	if !opts.Once {
		<-ctx.Done()
	}

	// One last drain so --once runs publish what they queued.
	stopWorker()
	if _, err := worker.RunOnce(context.Background()); err != nil {
		log.Warn("final outbox drain failed", zap.Error(err))
	}
	sum.Pending = rt.pendingOutbox(context.Background())

	log.Info("engine stopped gracefully")
	return newFormatter(cmd, opts.RootOptions).Success(sum)
}

// openOutboxSink opens the outbox destination for appending.
func openOutboxSink(path string, cmd *cobra.Command) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{cmd.OutOrStdout()}, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// serveMetrics starts the Prometheus listener in the background.
func serveMetrics(addr string, log *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

func shutdownServer(srv *http.Server, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("metrics shutdown", zap.Error(err))
	}
}
