// Command wpgatewayd runs the full local AI-prompt interception system: the
// MITM/tunnelling HTTPS proxy and the loopback packet sniffer together,
// sharing one sink registry. Grounded on the teacher gateway's
// cmd/gateway/main.go for the flag/signal/OTel-bootstrap shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/windsurf-prompt/gateway/pkg/audit"
	"github.com/windsurf-prompt/gateway/pkg/ca"
	"github.com/windsurf-prompt/gateway/pkg/config"
	"github.com/windsurf-prompt/gateway/pkg/proxy"
	"github.com/windsurf-prompt/gateway/pkg/recorder"
	"github.com/windsurf-prompt/gateway/pkg/sink"
	"github.com/windsurf-prompt/gateway/pkg/sniffer"
	"github.com/windsurf-prompt/gateway/pkg/stats"
	"github.com/windsurf-prompt/gateway/pkg/vault"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	proxyPort := flag.Int("port", 0, "proxy listen port (overrides PROXY_PORT)")
	iface := flag.String("iface", "lo0", "loopback interface to sniff")
	debug := flag.Bool("debug", false, "verbose sniffer debug logging")
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

	tp, err := initTracer(ctx, cfg)
	if err != nil {
		log.Printf("WARN: OTel tracing disabled: %v", err)
	} else if tp != nil {
		defer tp.Shutdown(ctx)
	}

	store := ca.NewStore(cfg.CertDir)
	if err := store.EnsureCA(); err != nil {
		log.Fatalf("ca: %v", err)
	}
	if pem, err := store.CACertPEM(); err == nil {
		log.Printf("CA certificate ready (trust it once): %d bytes, see %s", len(pem), cfg.CertDir)
	}

	fileSink, err := recorder.NewFileSink(cfg.LogDir)
	if err != nil {
		log.Fatalf("recorder: %v", err)
	}
	defer fileSink.Close()

	sinks := []sink.Sink{fileSink}

	if cfg.VaultEndpoint != "" {
		vc, err := vault.New(ctx, vault.Config{
			Endpoint:  cfg.VaultEndpoint,
			AccessKey: cfg.VaultAccessKey,
			SecretKey: cfg.VaultSecretKey,
			Bucket:    cfg.VaultBucket,
			UseSSL:    cfg.VaultUseSSL,
		})
		if err != nil {
			log.Printf("WARN: document-store sink disabled: %v", err)
		} else {
			sinks = append(sinks, vault.NewDocumentSink(ctx, vc))
			log.Printf("document-store sink connected: %s", cfg.VaultEndpoint)
		}
	}

	if cfg.AuditChainKey != "" {
		chain, err := audit.NewChain(cfg.AuditChainKey, cfg.LogDir)
		if err != nil {
			log.Printf("WARN: audit chain sink disabled: %v", err)
		} else {
			defer chain.Close()
			sinks = append(sinks, audit.NewChainAppender(chain))
			log.Printf("audit chain sink: enabled, persisting to %s", cfg.LogDir)
		}
	}

	registry := sink.NewRegistry(log.Default(), sinks...)

	proxyStats := &stats.ProxyStats{}
	snifferStats := &stats.SnifferStats{}

	srv := proxy.NewServer(proxy.Config{
		CA:       store,
		Registry: registry,
		Stats:    proxyStats,
		Patterns: cfg.MonitoredPatterns(),
	})

	sniff := sniffer.New(sniffer.Config{
		Registry:  registry,
		Stats:     snifferStats,
		Debug:     *debug,
		Interface: *iface,
	})

	log.Printf("status at startup: proxy=%+v sniffer=%+v", proxyStats.Snapshot(), snifferStats.Snapshot())
	statusSrv := newStatusPanel(fmt.Sprintf(":%d", cfg.StatsPort), proxyStats, snifferStats)

	errCh := make(chan error, 3)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.ProxyPort)
		log.Printf("proxy listening on %s", addr)
		errCh <- srv.ListenAndServe(ctx, addr)
	}()
	go func() {
		log.Printf("sniffer attaching to %s", *iface)
		errCh <- sniff.Run(ctx)
	}()
	go func() {
		log.Printf("status panel listening on %s (/debug/stats)", statusSrv.Addr)
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Printf("component exited: %v", err)
		}
	}

	log.Printf("status at shutdown: proxy=%+v sniffer=%+v", proxyStats.Snapshot(), snifferStats.Snapshot())
	statusSrv.Shutdown(context.Background())
}

// newStatusPanel builds the A3 debug endpoint: a tiny HTTP server exposing
// both components' live counters as JSON at /debug/stats.
func newStatusPanel(addr string, proxyStats *stats.ProxyStats, snifferStats *stats.SnifferStats) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Proxy   stats.ProxyStats   `json:"proxy"`
			Sniffer stats.SnifferStats `json:"sniffer"`
		}{
			Proxy:   proxyStats.Snapshot(),
			Sniffer: snifferStats.Snapshot(),
		})
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func initTracer(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}

	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("windsurf-prompt-gateway"),
		semconv.ServiceVersion("0.1.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
