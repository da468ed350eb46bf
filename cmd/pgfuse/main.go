// Command pgfuse mounts a PostgreSQL database as a FUSE filesystem
// (spec.md §6): `pgfuse <connection-string> <mountpoint> [-v] [-f] [-s]
// [-o ro] [-o blocksize=N] [-o config=<path>] [-o metrics=addr]`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgfuse/pgfuse/internal/circuit"
	"github.com/pgfuse/pgfuse/internal/config"
	"github.com/pgfuse/pgfuse/internal/envelope"
	"github.com/pgfuse/pgfuse/internal/handlers"
	"github.com/pgfuse/pgfuse/internal/health"
	"github.com/pgfuse/pgfuse/internal/metrics"
	"github.com/pgfuse/pgfuse/internal/pglog"
	"github.com/pgfuse/pgfuse/internal/pool"
	"github.com/pgfuse/pgfuse/internal/retry"
)

// version is pgfuse.c's PGFUSE_VERSION equivalent: a compile-time constant,
// printed verbatim by -V/--version and the version subcommand.
const version = "0.1.0"

// mountOptions is a pflag.Value collecting every repeated "-o opt" into one
// slice, the FUSE convention spec.md §6 follows ("-o ro", "-o blocksize=N"
// as independent, repeatable occurrences rather than one comma-joined
// argument pflag's own StringArray would require quoting for).
type mountOptions struct {
	values []string
}

func (m *mountOptions) String() string { return strings.Join(m.values, ",") }
func (m *mountOptions) Type() string   { return "opt" }
func (m *mountOptions) Set(s string) error {
	m.values = append(m.values, s)
	return nil
}

var _ pflag.Value = (*mountOptions)(nil)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// cobra's Args validator would reject a bare "-V"/"--version" (it
	// expects exactly two positional args), so the version shortcut is
	// handled before cobra ever sees the argument list -- matching
	// spec.md §6's "-V/--version prints a version string" working
	// standalone, with no connection-string/mountpoint required.
	for _, a := range args {
		if a == "-V" || a == "--version" {
			fmt.Println("pgfuse", version)
			return 0
		}
	}

	var (
		verbose        bool
		foreground     bool
		singleThreaded bool
		mountOpts      mountOptions
	)

	root := &cobra.Command{
		Use:           "pgfuse <connection-string> <mountpoint>",
		Short:         "Mount a PostgreSQL database as a FUSE filesystem",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			return mount(cmd.Context(), posArgs[0], posArgs[1], verbose, foreground, singleThreaded, mountOpts.values)
		},
	}
	root.SetArgs(args)
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging to syslog")
	root.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground")
	root.Flags().BoolVarP(&singleThreaded, "single-threaded", "s", false, "single-threaded mode (bypasses the connection pool)")
	root.Flags().VarP(&mountOpts, "opt", "o", "mount option: ro, blocksize=N, config=<path>, metrics=addr (repeatable)")
	root.Flags().BoolP("version", "V", false, "print version and exit")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println("pgfuse", version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pgfuse:", err)
		return exitCodeFor(err)
	}
	return 0
}

// exitCode marks an error that should propagate a specific process exit
// code instead of the generic 1 a database-check failure always uses
// (spec.md §6: "0 success, 1 database check failed, nonzero pass-through
// of the bridge's errors").
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }
func (e *exitCode) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ec *exitCode
	if eerr, ok := err.(*exitCode); ok {
		ec = eerr
	}
	if ec != nil {
		return ec.code
	}
	return 1
}

func mount(ctx context.Context, connInfo, mountpoint string, verbose, foreground, singleThreaded bool, mountOpts []string) error {
	cfg := config.Default()
	cfg.ConnInfo = connInfo
	cfg.Mountpoint = mountpoint
	cfg.Verbose = verbose
	// go-fuse never double-forks the way libfuse's own main loop can, so
	// -f has nothing to forward to; it's accepted and stored for
	// completeness (spec.md §6 lists it) but every mount already runs in
	// the foreground.
	cfg.Foreground = foreground
	cfg.SingleThread = singleThreaded

	// config=<path> is applied first regardless of where it appears in
	// the -o list, so CLI-supplied ro/blocksize always win over the file
	// (config.Mount.MergeFile's own contract).
	for _, opt := range mountOpts {
		for _, part := range strings.Split(opt, ",") {
			if path, ok := strings.CutPrefix(part, "config="); ok {
				if err := cfg.MergeFile(path); err != nil {
					return err
				}
			}
		}
	}
	for _, opt := range mountOpts {
		for _, part := range strings.Split(opt, ",") {
			switch {
			case part == "" || strings.HasPrefix(part, "config="):
				continue
			case part == "ro":
				cfg.ReadOnly = true
			case strings.HasPrefix(part, "blocksize="):
				n, err := strconv.ParseInt(strings.TrimPrefix(part, "blocksize="), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid -o blocksize value: %s", part)
				}
				cfg.BlockSize = n
			case strings.HasPrefix(part, "metrics="):
				cfg.Metrics.ListenAddress = strings.TrimPrefix(part, "metrics=")
			default:
				return fmt.Errorf("unknown mount option: %s", part)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := pglog.INFO
	if parsed, parseErr := pglog.ParseLevel(cfg.Logging.Level); parseErr == nil {
		level = parsed
	}
	if cfg.Verbose {
		level = pglog.DEBUG
	}
	log, err := pglog.New("pgfuse", level)
	if err != nil {
		return fmt.Errorf("open syslog: %w", err)
	}
	defer log.Close()
	for component, levelName := range cfg.Logging.ComponentLevels {
		if lvl, parseErr := pglog.ParseLevel(levelName); parseErr == nil {
			log.SetComponentLevel(component, lvl)
		}
	}

	var p *pool.Pool
	retryer := retry.New(retry.Config{MaxAttempts: 3, InitialDelay: retry.DefaultConfig().InitialDelay})
	err = retryer.Do(ctx, func(ctx context.Context) error {
		var openErr error
		p, openErr = pool.Open(ctx, cfg.ConnInfo, pool.Config{
			MaxConnections: cfg.Pool.MaxConnections,
			SingleThreaded: cfg.SingleThread,
			Breaker:        circuitConfigFrom(cfg.CircuitBreaker),
		})
		return openErr
	})
	if err != nil {
		log.Errorf("database connection failed: %v", err)
		return &exitCode{code: 1, err: err}
	}
	defer p.Close(context.Background())

	if err := checkPreconditions(ctx, p, cfg.BlockSize); err != nil {
		log.Errorf("database preconditions failed: %v", err)
		return &exitCode{code: 1, err: err}
	}

	collector := metrics.NewCollector(metrics.Config{ListenAddress: cfg.Metrics.ListenAddress})
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics endpoint: %w", err)
	}
	defer func() { _ = collector.Stop(context.Background()) }()
	if cfg.Metrics.ListenAddress != "" {
		log.Infof("metrics served on %s", cfg.Metrics.ListenAddress)
	}

	env := envelope.New(p)
	fsAdapter := handlers.New(env, cfg.BlockSize, cfg.ReadOnly, cfg.Verbose, log).WithMetrics(collector)

	nodeFs := pathfs.NewPathNodeFs(fsAdapter, nil)
	server, _, err := nodefs.MountRoot(cfg.Mountpoint, nodeFs.Root(), nil)
	if err != nil {
		return fmt.Errorf("mount %s: %w", cfg.Mountpoint, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("unmounting %s on signal", cfg.Mountpoint)
		_ = server.Unmount()
	}()

	statsDone := make(chan struct{})
	go reportPoolStats(ctx, p, collector, log, statsDone)
	defer close(statsDone)

	log.Infof("mounted %s at %s (block_size=%d, read_only=%v, single_threaded=%v)",
		cfg.ConnInfo, cfg.Mountpoint, cfg.BlockSize, cfg.ReadOnly, cfg.SingleThread)
	server.Serve()
	return nil
}

// reportPoolStats feeds the pool/health gauges every few seconds until done
// is closed, so a scrape of -o metrics=addr reflects live pool occupancy and
// the pool's health.Tracker state without every handler having to
// push them itself. A degraded/unavailable single-threaded session is also
// rebuilt here via Pool.Reconnect, guarded by the pool's circuit breaker so
// a downed database doesn't get redialed on every tick; it is a no-op in
// multi-threaded mode where pgxpool already recycles broken connections.
func reportPoolStats(ctx context.Context, p *pool.Pool, collector *metrics.Collector, log *pglog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats := p.Stats()
			collector.SetPoolStats(stats.Active, stats.Idle, stats.Max)
			state := p.Health().State()
			collector.SetHealthState(int(state))
			if state != health.StateHealthy {
				if err := p.Reconnect(ctx); err != nil {
					log.Warnf("pool reconnect: %v", err)
				}
			}
		}
	}
}

// circuitConfigFrom translates the YAML-facing CircuitBreakerConfig into
// the circuit package's own Config shape, used to gate Pool.Reconnect.
func circuitConfigFrom(cfg config.CircuitBreakerConfig) circuit.Config {
	threshold := uint32(cfg.FailureThreshold)
	c := circuit.Config{Timeout: cfg.OpenTimeout}
	if threshold > 0 {
		c.ReadyToTrip = func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	return c
}

// checkPreconditions enforces spec.md §6's "database preconditions checked
// at startup": integer_datetimes must be enabled (pgfuse's timestamps are
// 64-bit microseconds, which only exist in that mode) and the schema's
// recorded block size must match the CLI's.
func checkPreconditions(ctx context.Context, p *pool.Pool, blockSize int64) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire preflight session: %w", err)
	}
	defer conn.Release(false)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin preflight transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var integerDatetimes string
	if err := tx.QueryRow(ctx, "show integer_datetimes").Scan(&integerDatetimes); err != nil {
		return fmt.Errorf("check integer_datetimes: %w", err)
	}
	if !strings.EqualFold(integerDatetimes, "on") {
		return fmt.Errorf("integer_datetimes must be enabled on this PostgreSQL server")
	}

	var storedBlockSize int64
	if err := tx.QueryRow(ctx, "select value::bigint from pgfuse_meta where key = 'block_size'").Scan(&storedBlockSize); err != nil {
		return fmt.Errorf("read schema block size: %w", err)
	}
	if storedBlockSize != blockSize {
		return fmt.Errorf("schema block size %d does not match -o blocksize=%d", storedBlockSize, blockSize)
	}
	return tx.Commit(ctx)
}
