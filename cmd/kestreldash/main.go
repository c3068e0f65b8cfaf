package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/kestrel-dash/internal/kestrel"
	"github.com/shaunagostinho/kestrel-dash/internal/server"
	"github.com/shaunagostinho/kestrel-dash/internal/storage"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated instrument")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Override device serial port")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kestreldash %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Device.PortPath = *port
	}

	log := setupLogger(cfg.Log)
	log.Infof("kestreldash %s starting", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		cancel()
	}()

	kcfg, err := cfg.Kestrel(log)
	if err != nil {
		log.Fatalf("invalid device config: %v", err)
	}

	var dev *kestrel.Kestrel
	switch cfg.Device.Type {
	case "kestrel":
		dev = kestrel.New(kcfg)
	default:
		dev = kestrel.NewDemo(cfg.Device.DemoRecords, kcfg)
	}
	defer dev.Close()

	// Keep the link up in the background; the dashboard starts regardless
	go superviseConnection(ctx, log, dev, 10)

	var pub server.Publisher
	if cfg.Redis.Enabled {
		p, err := storage.NewPublisher(ctx, cfg.Redis, log)
		if err != nil {
			log.Warnf("redis disabled: %v", err)
		} else {
			defer p.Close()
			pub = p
		}
	}

	srv := server.New(cfg, dev, pub, log)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server exited: %v", err)
	}
}

func setupLogger(cfg server.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("cannot open log file %s, using stdout: %v", cfg.FilePath, err)
		}
	}
	return log
}

// connectable is satisfied by kestrel.Provider.
type connectable interface {
	Connect() error
	IsConnected() bool
}

// superviseConnection connects with exponential backoff and reconnects
// whenever the link drops. Backoff starts at 1s and doubles up to 60s;
// after maxAttempts the failures are logged less loudly.
func superviseConnection(ctx context.Context, log logrus.FieldLogger, c connectable, maxAttempts int) {
	const checkEvery = time.Second
	for {
		if !connectWithRetry(ctx, log, c, maxAttempts) {
			return
		}
		for c.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(checkEvery):
			}
		}
		log.Warn("device link lost, reconnecting")
	}
}

// connectWithRetry returns false if ctx ended before a connection was made.
func connectWithRetry(ctx context.Context, log logrus.FieldLogger, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Infof("device connected (attempt %d)", attempt+1)
			return true
		}

		attempt++
		entry := log.WithField("retry_in", delay)
		if attempt <= maxAttempts {
			entry.Warnf("connect attempt %d/%d failed: %v", attempt, maxAttempts, err)
		} else {
			entry.Debugf("connect attempt %d failed: %v", attempt, err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
