package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/driftsync/driftsync/server"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Driftsync service daemon.

The daemon terminates the sync protocol: a websocket channel at /v1/ws,
an event stream fallback at /v1/events with request sends at /v1/changes,
the latest committed record at /v1/latest, and prometheus metrics at
/metrics.

Usage:
    syncd run --config=<config>

Options:
    -h --help              Show this screen.
    --version              Show version.
    -c --config=<config>   Daemon toml config path.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	initGlog()

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.CommandLine.Parse([]string{})
}

func run(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := server.LoadConfig(configPath)
	if err != nil {
		glog.Errorf("[syncd]config err = %s\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-sigs:
			cancel()
		case <-cancelCtx.Done():
		}
	}()

	hub := server.NewHub()
	var changeLog server.ChangeLog
	switch config.Store.Driver {
	case "postgres":
		changeLog, err = server.NewPostgresChangeLog(cancelCtx, config.Store.Dsn, config.Entities, hub.Publish)
	default:
		changeLog, err = server.NewSqliteChangeLog(config.Store.Path, hub.Publish)
	}
	if err != nil {
		glog.Errorf("[syncd]change log err = %s\n", err)
		os.Exit(1)
	}
	defer changeLog.Close()

	service := server.NewService(cancelCtx, config, changeLog, hub)
	defer service.Close()

	httpServer := &http.Server{
		Addr:    config.Listen,
		Handler: service.Router(),
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("syncd %s listening on %s\n", RequireVersion(), config.Listen)
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("[syncd]serve err = %s\n", err)
		os.Exit(1)
	}
}

func RequireVersion() string {
	if version := os.Getenv("DRIFTSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
