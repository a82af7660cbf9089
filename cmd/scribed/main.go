package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/igodwin/scribed/api/admin"
	"github.com/igodwin/scribed/internal/bucketresolver"
	"github.com/igodwin/scribed/internal/config"
	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/connpool"
	"github.com/igodwin/scribed/internal/dispatcher"
	"github.com/igodwin/scribed/internal/logging"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/registry"
	"github.com/igodwin/scribed/internal/rpcwire"
	"github.com/igodwin/scribed/internal/storebuild"
)

const defaultStoreConfigFile = "/usr/local/scribed/scribed.conf"

func main() {
	var (
		port         int
		configFlag   string
		settingsFlag string
		help         bool
	)

	fs := flag.NewFlagSet("scribed", flag.ExitOnError)
	fs.IntVar(&port, "p", 0, "listen port (overrides config)")
	fs.IntVar(&port, "port", 0, "listen port (overrides config)")
	fs.StringVar(&configFlag, "c", "", "store configuration file")
	fs.StringVar(&configFlag, "config", "", "store configuration file")
	fs.StringVar(&settingsFlag, "settings", "", "global settings file (viper-format: yaml/toml/json/ini)")
	fs.BoolVar(&help, "h", false, "show usage")
	fs.BoolVar(&help, "help", false, "show usage")
	_ = fs.Parse(os.Args[1:])

	if help {
		fs.Usage()
		os.Exit(0)
	}

	// A trailing positional argument is the store config path if -c/--config
	// was not given, per spec.md §6's CLI surface.
	if configFlag == "" && fs.NArg() > 0 {
		configFlag = fs.Arg(0)
	}
	if configFlag == "" {
		configFlag = defaultStoreConfigFile
	}

	cfg, err := config.Load(settingsFlag)
	if err != nil {
		logger, _ := logging.NewFromConfig("info", "stdout")
		logger.Warnf("failed to load settings, using defaults: %v", err)
		cfg, _ = config.Load("")
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.NewFromConfig(cfg.Logging.Level, cfg.Logging.OutputPath)
	if err != nil {
		logger, _ = logging.NewFromConfig(cfg.Logging.Level, "stdout")
		logger.Warnf("failed to open log output, using stdout: %v", err)
	}

	logger = logger.WithComponent("main")
	logger.Infof("scribed starting, store config=%s port=%d", configFlag, cfg.Server.Port)

	root, err := loadStoreConfig(configFlag)
	if err != nil {
		logger.Fatalf("failed to load store configuration: %v", err)
	}

	sink := metrics.NewInProcessSink()
	pool := connpool.New()
	builder := &storebuild.Builder{Pool: pool}

	if cfg.BucketResolver.Enabled {
		resolver := bucketresolver.New(
			cfg.BucketResolver.CacheBytes,
			time.Duration(cfg.BucketResolver.TTLSeconds)*time.Second,
			bucketresolver.FetchViaRPC(cfg.BucketResolver.RemoteAddr, time.Duration(cfg.BucketResolver.DialTimeoutMs)*time.Millisecond),
			sink,
		)
		builder.DynamicLookup = resolver.AsDynamicLookup()
		logger.WithComponent("bucketresolver").Infof("dynamic bucket resolution enabled, remote=%s", cfg.BucketResolver.RemoteAddr)
	}

	checkInterval := time.Duration(cfg.Server.CheckInterval) * time.Second
	reg := registry.New(builder.Build, sink, checkInterval, cfg.Server.NewThreadPerCategory)
	if err := reg.Build(root); err != nil {
		logger.Fatalf("failed to build category registry: %v", err)
	}

	disp := dispatcher.New(reg, sink, cfg.Server.MaxMsgPerSecond, cfg.Server.MaxQueueSize, cfg.Server.TimestampSampleRate)
	disp.SetLogger(logger.WithComponent("dispatcher"))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		logger.Fatalf("failed to listen on port %d: %v", cfg.Server.Port, err)
	}
	rpcServer := rpcwire.NewServer(listener, disp.Log, nil)

	rpcLogger := logger.WithComponent("rpc")
	go func() {
		rpcLogger.Infof("listener serving on %s", listener.Addr())
		if err := rpcServer.Serve(); err != nil {
			rpcLogger.Debugf("listener stopped: %v", err)
		}
	}()

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminLogger := logger.WithComponent("admin")
		adminServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      admin.NewRouter(sink, disp, adminLogger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			adminLogger.Infof("surface listening on %s", adminServer.Addr)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				adminLogger.Errorf("surface stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	// Shutdown sequence per spec.md §5: Stopping (new calls TryLater),
	// stop every worker queue, then stop the RPC listener.
	disp.SetStopping(true)
	reg.Stop()
	_ = rpcServer.Close()
	if adminServer != nil {
		_ = adminServer.Close()
	}

	logger.Info("scribed stopped")
}

func loadStoreConfig(path string) (*conftree.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	root, warnings, err := conftree.Parse(f)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "scribed: config warning: %s\n", w.String())
	}
	return root, nil
}
