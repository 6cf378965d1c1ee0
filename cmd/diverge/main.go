// Command diverge runs a split-horizon DNS forwarder: it listens for
// queries over UDP and TCP and answers them by racing or deterministically
// routing to upstream resolvers selected by domain suffix or reply IP
// membership.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/divergedns/diverge/internal/config"
	"github.com/divergedns/diverge/internal/diverge"
	"github.com/divergedns/diverge/internal/metrics"
	"github.com/divergedns/diverge/internal/server"
	"github.com/divergedns/diverge/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultConfigPath is used when no positional argument is given.
const defaultConfigPath = "./diverge.conf"

func main() {
	os.Exit(run())
}

// run returns the process exit code, keeping main itself trivial to read.
func run() int {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Usage = func() {
		log.Printf("Usage: %s [options] [config-path]", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DEBUG)
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	confPath := defaultConfigPath
	if flag.NArg() > 0 {
		confPath = flag.Arg(0)
	}

	conf, err := config.LoadFile(confPath)
	if err != nil {
		log.Error("loading config %s: %s", confPath, err)
		return 1
	}

	table, err := upstream.BuildTable(conf.Upstreams)
	if err != nil {
		log.Error("building upstream table: %s", err)
		return 1
	}
	defer table.Close()

	engine := diverge.NewEngine(table)
	srv := server.New(engine, conf.Global.Listen)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	metricsSrv := metrics.NewServer(conf.Global.MetricsListen.String(), registry)
	metricsSrv.Start()
	log.Info("diverge: serving metrics on %s", conf.Global.MetricsListen)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("diverge: starting, %d upstream(s) configured", len(conf.Upstreams))

	err = srv.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if shutdownErr := metricsSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("metrics: shutdown: %s", shutdownErr)
	}

	if err != nil {
		log.Error("server: %s", err)
		return 1
	}

	log.Info("diverge: exiting cleanly")

	return 0
}
