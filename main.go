package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // only reachable on the local stats port
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ordishs/gocore"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/services/cluster"
	"github.com/lattice-network/lattice/stores/kv"
	"github.com/lattice-network/lattice/stores/kv/leveldbstore"
	"github.com/lattice-network/lattice/ulogger"
)

// Name used by build script for the binaries. (Please keep on single line)
const progname = "lattice"

// Version & commit strings injected at build with -ldflags -X...
var version string
var commit string

const fatalExitCode = 2

func init() {
	gocore.SetInfo(progname, version, commit)
}

func main() {
	configPath := flag.String("config", "cluster.json", "cluster config file")
	dataDir := flag.String("datadir", "data", "database directory")
	flag.Parse()

	logLevel, _ := gocore.Config().Get("logLevel", "INFO")
	logger := ulogger.New(progname, logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("cannot load cluster config: %v", err)
		os.Exit(1)
	}

	storeFactory := func(namespace string) (kv.Store, error) {
		return leveldbstore.Open(filepath.Join(*dataDir, namespace))
	}

	c, err := cluster.New(logger, cfg, storeFactory)
	if err != nil {
		logger.Errorf("cannot build cluster: %v", err)
		os.Exit(fatalExitCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		logger.Errorf("cannot start cluster: %v", err)
		os.Exit(fatalExitCode)
	}

	statsPort, _ := gocore.Config().GetInt("statsPort", 9090)
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf("localhost:%d", statsPort)
		logger.Infof("stats and metrics on http://%s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil { //nolint:gosec
			logger.Warnf("stats server stopped: %v", err)
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	logger.Infof("shutting down")
	c.Stop()
}
