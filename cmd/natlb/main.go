package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/easzlab/natlb/pkg/config"
	"github.com/easzlab/natlb/pkg/healthcheck"
	"github.com/easzlab/natlb/pkg/netinfo"
	"github.com/easzlab/natlb/pkg/server"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "natlb [backend ...]",
		Short: "natlb - transparent NAT TCP load balancer",
		Long: "A layer-3 TCP load balancer that rewrites packet headers on a raw socket " +
			"and spreads new connections across backends in round-robin order.",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	flags.IntP("port", "p", 8080, "service port")
	flags.StringP("algorithm", "a", "roundrobin", "scheduling algorithm (roundrobin, rr)")
	flags.StringP("mode", "m", config.ModeNAT, "balancing mode (nat, relay, ipvs)")

	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newInterfacesCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [backend ...]",
		Short: "Probe every backend once over TCP and report",
		Args:  cobra.ArbitraryArgs,
		RunE:  runCheck,
	}
}

func newInterfacesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List interfaces and their IPv4 addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := netinfo.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tSTATE\tMTU\tADDRESSES")
			for _, iface := range ifaces {
				state := "down"
				if iface.Up {
					state = "up"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%v\n", iface.Index, iface.Name, state, iface.MTU, iface.Prefixes)
			}
			return w.Flush()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("natlb version %s\n", version)
		},
	}
}

// runDaemon starts the server with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := newLogger(level)
	defer logger.Sync()

	logger.Info("starting natlb",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	configMgr, err := config.NewManager(config.Options{
		Path:     configPath,
		Flags:    cmd.Flags(),
		Backends: args,
	}, logger.Named("config"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(configMgr, level, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	return nil
}

// runCheck checks the configured backends once and fails if any is down.
func runCheck(cmd *cobra.Command, args []string) error {
	logger := newLogger(zap.NewAtomicLevelAt(zap.WarnLevel))
	defer logger.Sync()

	configMgr, err := config.NewManager(config.Options{
		Path:     configPath,
		Flags:    cmd.Flags(),
		Backends: args,
	}, logger.Named("config"))
	if err != nil {
		return err
	}
	cfg := configMgr.GetConfig()
	backends, err := cfg.ParsedBackends()
	if err != nil {
		return err
	}

	results := healthcheck.CheckAll(cmd.Context(), healthcheck.NewTCPChecker(cfg.HealthCheck.Timeout), backends)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tSTATUS\tLATENCY\tERROR")
	down := 0
	for _, r := range results {
		status, errText := "up", ""
		if !r.Healthy() {
			status, errText = "down", r.Err.Error()
			down++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Backend, status, r.Latency.Round(100*time.Microsecond), errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if down > 0 {
		return fmt.Errorf("%d of %d backends unreachable", down, len(results))
	}
	return nil
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger(level zap.AtomicLevel) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
