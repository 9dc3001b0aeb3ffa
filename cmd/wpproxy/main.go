// Command wpproxy runs only the MITM/tunnelling HTTPS proxy (C3), without
// the loopback sniffer — for setups where the client only talks to cloud
// AI APIs over a configured HTTP(S) proxy. See wpgatewayd for the combined
// entry point. Grounded on the teacher gateway's cmd/gateway/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/windsurf-prompt/gateway/pkg/ca"
	"github.com/windsurf-prompt/gateway/pkg/config"
	"github.com/windsurf-prompt/gateway/pkg/proxy"
	"github.com/windsurf-prompt/gateway/pkg/recorder"
	"github.com/windsurf-prompt/gateway/pkg/sink"
	"github.com/windsurf-prompt/gateway/pkg/stats"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	proxyPort := flag.Int("port", 0, "proxy listen port (overrides PROXY_PORT)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *proxyPort != 0 {
		cfg.ProxyPort = *proxyPort
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := ca.NewStore(cfg.CertDir)
	if err := store.EnsureCA(); err != nil {
		log.Fatalf("ca: %v", err)
	}

	fileSink, err := recorder.NewFileSink(cfg.LogDir)
	if err != nil {
		log.Fatalf("recorder: %v", err)
	}
	defer fileSink.Close()

	registry := sink.NewRegistry(log.Default(), fileSink)

	srv := proxy.NewServer(proxy.Config{
		CA:       store,
		Registry: registry,
		Stats:    &stats.ProxyStats{},
		Patterns: cfg.MonitoredPatterns(),
	})

	addr := fmt.Sprintf(":%d", cfg.ProxyPort)
	log.Printf("wpproxy listening on %s", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Fatalf("proxy: %v", err)
	}
}
