// Package main implements the tuicd server application: a TUIC proxy
// server over QUIC, serving one listener per process plus an optional
// metrics and administrative HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/buhuipao/tuicd/pkg/admin"
	"github.com/buhuipao/tuicd/pkg/certutil"
	"github.com/buhuipao/tuicd/pkg/config"
	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/metrics"
	"github.com/buhuipao/tuicd/pkg/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("c", "config.yaml", "path to the configuration file")
	initConfig := false
	flag.BoolVar(&initConfig, "i", false, "write a sample configuration to the -c path and exit")
	flag.BoolVar(&initConfig, "init", false, "write a sample configuration to the -c path and exit")
	flag.Parse()

	if initConfig {
		if err := config.WriteSample(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, "write sample config:", err)
			return 1
		}
		fmt.Println("wrote sample configuration to", *configFile)
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load configuration:", err)
		return 1
	}

	if err := logger.Init(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return 1
	}

	cert, err := certutil.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.SelfSign)
	if err != nil {
		logger.Error("load tls certificate", "err", err)
		return 1
	}

	m := metrics.New()

	srv, err := server.New(cfg, cert, m)
	if err != nil {
		logger.Error("build server", "err", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var httpServers []*http.Server

	if cfg.Metrics.ListenAddr != "" {
		httpServers = append(httpServers, startHTTPServer(cfg.Metrics.ListenAddr, m.Handler(), "metrics"))
	}
	if cfg.Admin.ListenAddr != "" {
		httpServers = append(httpServers, startHTTPServer(cfg.Admin.ListenAddr, admin.New(srv.Registry(), cfg.Admin.Token), "admin"))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	logger.Info("tuicd started", "listen_addr", cfg.Server)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "err", err)
			cancel()
			return 1
		}
	}

	cancel()
	<-errCh

	for _, s := range httpServers {
		s.Close()
	}

	logger.Info("tuicd stopped")
	return 0
}

func startHTTPServer(addr string, handler http.Handler, name string) *http.Server {
	s := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(name+" http server failed", "err", err)
		}
	}()
	logger.Info(name+" listening", "addr", addr)
	return s
}
