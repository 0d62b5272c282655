package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lana/internal/config"
	"lana/internal/logging"
	"lana/internal/metrics"
	"lana/internal/node"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options mirrors the flags layered over config.Load.
type options struct {
	name        string
	listen      string
	noDiscovery bool
	group       string
	discPort    int
	announce    time.Duration
	dialTimeout time.Duration
	logLevel    string
	logFormat   string
	metricsAddr string
	publish     []string
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "lana [name]",
		Short: "LAN file sharing peer",
		Long: `lana publishes local files and directories into a virtual tree, finds
other nodes on the LAN by multicast discovery, and browses and downloads
what they publish.

Without a subcommand lana starts an interactive prompt.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.name = args[0]
			}
			return runNode(cmd, opts, true)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.name, "name", "", "Display name announced to peers (env LANA_NAME)")
	f.StringVar(&opts.listen, "listen", "", "Session listen address, host:port (env LANA_LISTEN_ADDR)")
	f.BoolVar(&opts.noDiscovery, "no-discovery", false, "Disable multicast discovery")
	f.StringVar(&opts.group, "discovery-group", "", "Discovery multicast group")
	f.IntVar(&opts.discPort, "discovery-port", 0, "Discovery UDP port")
	f.DurationVar(&opts.announce, "announce-interval", 0, "Period between discovery queries")
	f.DurationVar(&opts.dialTimeout, "dial-timeout", 0, "Bound on connect plus handshake")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", "", "console or json")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringArrayVar(&opts.publish, "publish", nil, "Publish HOST=VPATH at startup (repeatable)")

	cmd.AddCommand(serveCmd(&opts))
	return cmd
}

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run headless until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, *opts, false)
		},
	}
}

// loadConfig applies the flags that were set on top of the environment.
func loadConfig(cmd *cobra.Command, opts options) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if opts.name != "" {
		cfg.Name = opts.name
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = opts.listen
	}
	if opts.noDiscovery {
		cfg.DiscoveryEnabled = false
	}
	if flags.Changed("discovery-group") {
		cfg.DiscoveryGroup = opts.group
	}
	if flags.Changed("discovery-port") {
		cfg.DiscoveryPort = opts.discPort
	}
	if flags.Changed("announce-interval") {
		cfg.AnnounceInterval = opts.announce
	}
	if flags.Changed("dial-timeout") {
		cfg.DialTimeout = opts.dialTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	return cfg, cfg.Validate()
}

func runNode(cmd *cobra.Command, opts options, interactive bool) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Info logs would interleave with the prompt.
	if interactive && !cmd.Flags().Changed("log-level") && os.Getenv("LANA_LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logging.Sync()
	log := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("Metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	n := node.New(cfg, node.WithLogger(log), node.WithEventHandler(printEvent))
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Close()

	for _, arg := range opts.publish {
		host, vpath, err := parsePublish(arg)
		if err != nil {
			return err
		}
		if err := n.Publish(ctx, host, vpath); err != nil {
			return fmt.Errorf("publish %s: %w", arg, err)
		}
	}

	discovery := "off"
	if cfg.DiscoveryEnabled {
		discovery = fmt.Sprintf("%s:%d", cfg.DiscoveryGroup, cfg.DiscoveryPort)
	}
	fmt.Printf("lana  |  %s  |  session %s  |  discovery %s\n", n.Name(), n.Addr(), discovery)

	if interactive {
		runInteractive(ctx, n, cfg.SessionPort())
		return nil
	}

	fmt.Println("Serving... (Ctrl-C to stop)")
	<-ctx.Done()
	fmt.Println("\nBye.")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func printEvent(e node.Event) {
	who := e.Addr
	if e.Name != "" {
		who = fmt.Sprintf("%s (%s)", e.Name, e.Addr)
	}
	switch e.Type {
	case node.PeerConnected:
		fmt.Printf("\n  + connected to %s\n", who)
	case node.PeerDisconnected:
		fmt.Printf("\n  - disconnected from %s\n", who)
	case node.PeerFailed:
		fmt.Printf("\n  ! cannot connect to %s: %v\n", who, e.Err)
	}
}
