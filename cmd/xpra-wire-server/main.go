package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"xpra-wire/internal/config"
	"xpra-wire/internal/server"
	"xpra-wire/internal/telemetry"
)

func main() {
	var cfgPath string
	var listenAddr string
	var metricsAddr string
	var authRequired bool
	flag.StringVar(&cfgPath, "c", "", "yaml config path")
	flag.StringVar(&listenAddr, "listen", ":14500", "tcp listen address")
	flag.StringVar(&metricsAddr, "metrics", "", "metrics listen address, e.g. :9100")
	flag.BoolVar(&authRequired, "auth", false, "require authentication even without a password")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		telemetry.Enable()
		go func() {
			if err := telemetry.StartServer(ctx, metricsAddr); err != nil {
				log.Warnf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("metrics listening on %s", metricsAddr)
	}

	srv := server.New(cfg, server.Options{
		AuthRequired:   authRequired,
		ClientShutdown: true,
	})
	if err := srv.ListenTCP(listenAddr); err != nil {
		log.Fatalf("listen %s: %v", listenAddr, err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Infof("shutting down...")
	srv.Shutdown("shutting down")
	cancel()
}
