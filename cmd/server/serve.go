package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

var serveFlags struct {
	configPath    string
	envFile       string
	port          int
	advertiseHost string
	storageDir    string
	logLevel      string
	logFormat     string
	sources       []string
	peers         []string
	scanTimeout   time.Duration
	interval      time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mesh node",
	Long: `Run a mesh node.

Examples:
  # Discover siblings on the local link
  zephyrmesh serve --storage-dir=/var/lib/zephyrmesh

  # Use etcd for discovery and seed one peer by hand
  ZEPHYR_ETCD_ENDPOINTS=http://etcd:2379 zephyrmesh serve --sources=etcd --peer=10.0.0.7`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.configPath, "config", "c", "", "YAML config file")
	f.StringVar(&serveFlags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	f.IntVarP(&serveFlags.port, "port", "p", config.DefaultPort, "HTTP port, also the port scanned for siblings")
	f.StringVar(&serveFlags.advertiseHost, "advertise-host", "", "address announced to discovery sources")
	f.StringVar(&serveFlags.storageDir, "storage-dir", config.DefaultStorageDir, "directory for the store database")
	f.StringVar(&serveFlags.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&serveFlags.logFormat, "log-format", "json", "json or console")
	f.StringSliceVar(&serveFlags.sources, "sources", nil, "discovery sources: mdns, etcd, consul, file")
	f.StringSliceVar(&serveFlags.peers, "peer", nil, "static peer address, probed every cycle (repeatable)")
	f.DurationVar(&serveFlags.scanTimeout, "scan-timeout", config.DefaultScanTimeout, "bound on one discovery scan")
	f.DurationVar(&serveFlags.interval, "interval", config.DefaultDiscoveryInterval, "discovery cadence")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(serveFlags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", serveFlags.envFile, err)
	}
	cfg, err := config.Load(serveFlags.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	id, hostname, err := identity.New()
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}

	scanner, err := buildScanner(cfg, logger)
	if err != nil {
		return err
	}

	ctrl := mesh.New(mesh.Options{
		Config:    cfg,
		Identity:  id,
		Hostname:  hostname,
		Discovery: scanner,
		Routes:    node.Mount(logger),
		Logger:    logger,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		_ = scanner.Close()
		return err
	}
	logger.Info("zephyrmesh node started", zap.String("uniqueId", id.Short()), zap.String("version", version))

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ctrl.Shutdown(shutdownCtx)
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = serveFlags.port
	}
	if f.Changed("advertise-host") {
		cfg.AdvertiseHost = serveFlags.advertiseHost
	}
	if f.Changed("storage-dir") {
		cfg.StorageDir = serveFlags.storageDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveFlags.logLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = serveFlags.logFormat
	}
	if f.Changed("sources") {
		cfg.Discovery.Sources = serveFlags.sources
	}
	if f.Changed("peer") {
		cfg.Discovery.Peers = append(cfg.Discovery.Peers, serveFlags.peers...)
	}
	if f.Changed("scan-timeout") {
		cfg.ScanTimeout = serveFlags.scanTimeout
	}
	if f.Changed("interval") {
		cfg.DiscoveryInterval = serveFlags.interval
	}
}

// buildScanner creates one source per configured name plus a static source
// for configured peers.
func buildScanner(cfg config.Config, logger *zap.Logger) (*discovery.Scanner, error) {
	var sources []discovery.Source
	closeAll := func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}
	for _, name := range cfg.Discovery.Sources {
		var (
			src discovery.Source
			err error
		)
		switch name {
		case config.SourceMDNS:
			src = discovery.NewMDNSSource(cfg.Discovery.MDNSService, logger)
		case config.SourceEtcd:
			cli, cerr := discovery.NewClient(cfg.Discovery.EtcdEndpoints)
			if cerr != nil {
				err = cerr
				break
			}
			src = discovery.NewEtcdSource(cli, cfg.Discovery.EtcdLeaseTTL, logger)
		case config.SourceConsul:
			src, err = discovery.NewConsulSource(cfg.Discovery.ConsulAddr, cfg.Discovery.ConsulService, logger)
		case config.SourceFile:
			src, err = discovery.NewFileSource(cfg.Discovery.SeedFile, logger)
		default:
			err = fmt.Errorf("%w: %q", config.ErrUnknownSource, name)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("discovery source %s: %w", name, err)
		}
		sources = append(sources, src)
	}
	if len(cfg.Discovery.Peers) > 0 {
		sources = append(sources, discovery.StaticSource(cfg.Discovery.Peers))
	}
	return discovery.NewScanner(logger, cfg.Discovery.ProbeConcurrency, sources...), nil
}
