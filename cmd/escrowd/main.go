// Package main provides escrowd - the escrow orchestration daemon.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/duskmarket/escrowcore/internal/arbiter"
	"github.com/duskmarket/escrowcore/internal/cipher"
	"github.com/duskmarket/escrowcore/internal/config"
	"github.com/duskmarket/escrowcore/internal/monitor"
	"github.com/duskmarket/escrowcore/internal/multisig"
	"github.com/duskmarket/escrowcore/internal/orchestrator"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/txcoordinator"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/escrowcore.yaml)")
		dataDir     = flag.String("data-dir", "~/.escrowcore", "Data directory")
		apiAddr     = flag.String("api", "127.0.0.1:8090", "WebSocket event stream address")
		arbiterIDs  = flag.String("arbiters", "", "Comma-separated arbiter IDs eligible for assignment")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("escrowd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = config.ExpandPath(*dataDir) + "/" + config.ConfigFileName
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	keyHex := cfg.Cipher.KeyHex
	if env := os.Getenv("ESCROWCORE_CIPHER_KEY"); env != "" {
		keyHex = env
	}
	key, err := decodeKeyHex(keyHex)
	if err != nil {
		log.Fatal("invalid field encryption key", "error", err)
	}
	fc, err := cipher.New(key)
	if err != nil {
		log.Fatal("failed to construct field cipher", "error", err)
	}

	dbPath := config.ExpandPath(cfg.Database.Path)
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer st.Close()
	log.Info("store opened", "path", dbPath)

	wsSink := events.NewWebSocketSink()
	sink := events.MultiSink{wsSink}

	mp := multisig.New(st, fc, sink, log)
	coord := txcoordinator.New(st, mp, log)

	mon := monitor.New(monitor.Config{
		Store:                 st,
		Gateways:              mp,
		Sink:                  sink,
		Interval:              cfg.Monitor.PollInterval,
		ConfirmationThreshold: cfg.Monitor.ConfirmationThreshold,
		Log:                   log,
	})

	svc := orchestrator.New(orchestrator.Config{
		Store:                st,
		Multisig:             mp,
		Coordinator:          coord,
		Sink:                 sink,
		ArbiterRegistrations: parseArbiterRegistrations(*arbiterIDs),
		Log:                  log,
	})
	sweep := orchestrator.NewSweepWorker(svc, orchestrator.SweepConfig{
		SetupTimeout:  cfg.Timeouts.SetupTimeout,
		FundedTimeout: cfg.Timeouts.FundedTimeout,
	})

	wsDone := make(chan struct{})
	go wsSink.Run(wsDone)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", wsSink.HandleConn)
	httpSrv := &http.Server{Addr: *apiAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("event stream server stopped", "error", err)
		}
	}()

	mon.Start()
	sweep.Start()
	log.Info("escrowd started", "api", *apiAddr, "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping event stream server", "error", err)
	}
	close(wsDone)
	sweep.Stop()
	mon.Stop()
	log.Info("goodbye")
}

// parseArbiterRegistrations builds a static pool from a comma-separated
// flag. A real deployment would read this from an operator-maintained
// list (config or a dedicated admin endpoint); creation order here
// stands in for each arbiter's account age.
func parseArbiterRegistrations(csv string) []arbiter.Registration {
	if csv == "" {
		return nil
	}
	ids := strings.Split(csv, ",")
	out := make([]arbiter.Registration, 0, len(ids))
	base := time.Now().Add(-time.Duration(len(ids)) * time.Hour)
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, arbiter.Registration{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	return out
}

func decodeKeyHex(s string) ([]byte, error) {
	if len(s) != cipher.KeySize*2 {
		return nil, errInvalidKeyLength(len(s))
	}
	key := make([]byte, cipher.KeySize)
	for i := range key {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		key[i] = byte(b)
	}
	return key, nil
}

type errInvalidKeyLength int

func (e errInvalidKeyLength) Error() string {
	return "cipher key must be " + strconv.Itoa(cipher.KeySize*2) + " hex characters, got " + strconv.Itoa(int(e))
}
