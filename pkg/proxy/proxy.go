// Package proxy implements C3: an HTTPS-capable MITM proxy that terminates
// client TLS for a configured allowlist of AI API hosts (minting certs via
// pkg/ca), logs each request/response exchange through the prompt parser,
// and otherwise tunnels connections through untouched. Grounded on the
// teacher gateway's proxy.go for the accept-loop/span/streaming-relay shape,
// and on original_source/src/proxy_interceptor.py for the CONNECT dispatch,
// MITM handshake, and tunnel/plain-HTTP forwarding semantics.
//
// Per the keep-alive redesign in SPEC_FULL.md §9, a single MITM connection
// loops over multiple request/response exchanges instead of handling one
// CONNECT per exchange, tracked via a Session.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/windsurf-prompt/gateway/pkg/ca"
	"github.com/windsurf-prompt/gateway/pkg/config"
	"github.com/windsurf-prompt/gateway/pkg/model"
	"github.com/windsurf-prompt/gateway/pkg/parser"
	"github.com/windsurf-prompt/gateway/pkg/sink"
	"github.com/windsurf-prompt/gateway/pkg/stats"
)

var tracer = otel.Tracer("windsurf-prompt-gateway")

const (
	tunnelIdleTimeout = 30 * time.Second
	mitmReadTimeout   = 10 * time.Second
	sessionIdleTTL    = 5 * time.Minute
)

// upstreamClient is an HTTP client with explicit timeouts for origin calls.
// The default Go http.Client has no timeout, which can hang goroutines forever.
var upstreamClient = &http.Client{Timeout: 120 * time.Second}

// Config wires C3's collaborators.
type Config struct {
	CA       *ca.Store
	Registry *sink.Registry
	Stats    *stats.ProxyStats
	Sessions *SessionManager
	Patterns []string // extra AI-traffic patterns, beyond config.MITMDomains
}

// Server is the MITM/tunnelling HTTPS proxy.
type Server struct {
	cfg Config
	log *log.Logger
}

// NewServer returns a Server; defaults Stats/Sessions if not provided.
func NewServer(cfg Config) *Server {
	if cfg.Stats == nil {
		cfg.Stats = &stats.ProxyStats{}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionManager(sessionIdleTTL)
	}
	return &Server{cfg: cfg, log: log.New(os.Stderr, "[proxy] ", log.LstdFlags)}
}

// ListenAndServe runs the accept loop on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Printf("listening on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		s.cfg.Stats.IncConnectionsAccepted()
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection dispatches on the first request read off conn: CONNECT
// (tunnelling protocol) or any other method (plain HTTP forwarding).
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(ctx, conn, req)
		return
	}

	s.handlePlainHTTP(ctx, conn, br, req)
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, portStr = req.Host, "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 443
	}

	if config.MITMDomains[strings.ToLower(host)] {
		s.mitmConnect(ctx, conn, host, port)
		return
	}
	if config.LogOnlyDomains[strings.ToLower(host)] {
		s.log.Printf("tunnel (no MITM): %s:%d", host, port)
	}
	s.tunnelConnect(conn, host, port)
}

// mitmConnect terminates client TLS with a freshly minted leaf certificate
// and loops over request/response exchanges on the decrypted connection
// until the client disconnects or goes idle, per the keep-alive redesign.
func (s *Server) mitmConnect(ctx context.Context, conn net.Conn, host string, port int) {
	leaf, err := s.cfg.CA.LeafCert(host)
	if err != nil {
		s.log.Printf("cert mint failed for %s: %v", host, err)
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	defer tlsConn.Close()
	if err := tlsConn.Handshake(); err != nil {
		// Expected when the client hasn't trusted our CA — stay quiet.
		return
	}

	sessionID := uuid.NewString()
	s.cfg.Sessions.GetOrCreate(sessionID, host)
	defer s.cfg.Sessions.Remove(sessionID)

	s.cfg.Stats.IncIntercepted()

	br := bufio.NewReader(tlsConn)
	for {
		tlsConn.SetReadDeadline(time.Now().Add(mitmReadTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		s.cfg.Sessions.RecordExchange(sessionID)
		if !s.handleMITMExchange(ctx, tlsConn, req, host) {
			return
		}
	}
}

// handleMITMExchange forwards one decrypted request to the real origin,
// logging both sides through the prompt parser. Returns whether the
// connection should keep looping for another exchange.
func (s *Server) handleMITMExchange(ctx context.Context, clientConn net.Conn, req *http.Request, host string) bool {
	spanCtx, span := tracer.Start(ctx, "proxy.mitm_exchange", trace.WithAttributes(
		attribute.String("gen_ai.host", host),
		attribute.String("http.method", req.Method),
	))
	defer span.End()

	bodyBytes, _ := io.ReadAll(req.Body)
	req.Body.Close()

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[strings.ToLower(k)] = req.Header.Get(k)
	}

	url := fmt.Sprintf("https://%s%s", host, req.URL.RequestURI())
	var prompt *model.InterceptedPrompt
	if parser.IsAIRequest(url, string(bodyBytes), headers, s.cfg.Patterns) {
		prompt = parser.ExtractPromptFromRequest(url, req.Method, string(bodyBytes), headers, s.cfg.Patterns)
	}

	outReq, err := http.NewRequestWithContext(spanCtx, req.Method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		span.RecordError(err)
		return false
	}
	outReq.Header = req.Header.Clone()

	resp, err := upstreamClient.Do(outReq)
	if err != nil {
		s.cfg.Stats.IncOriginErrors()
		span.RecordError(err)
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return false
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if prompt != nil {
		if text := parser.ExtractResponse(string(respBody)); text != nil {
			prompt.Response = text
		}
		if parser.ShouldLogRequest(prompt) && s.cfg.Registry != nil {
			if prompt.Metadata == nil {
				prompt.Metadata = make(map[string]interface{})
			}
			prompt.Metadata["capture_method"] = string(model.CaptureMITMProxy)
			s.cfg.Registry.Emit(prompt)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	resp.ContentLength = int64(len(respBody))
	resp.Header.Set("Content-Length", strconv.Itoa(len(respBody)))
	if err := resp.Write(clientConn); err != nil {
		return false
	}

	return !strings.EqualFold(req.Header.Get("Connection"), "close")
}

// tunnelConnect pipes bytes between conn and the real origin with no
// interception, for hosts outside the MITM allowlist. Mirrors the
// select-based bidirectional relay in proxy_interceptor.py's
// _tunnel_connect, re-expressed as two goroutines copying in each
// direction with an idle timeout.
func (s *Server) tunnelConnect(conn net.Conn, host string, port int) {
	s.cfg.Stats.IncTunnelled()

	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 10*time.Second)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer remote.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	relay := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 65536)
		for {
			src.SetReadDeadline(time.Now().Add(tunnelIdleTimeout))
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	go relay(remote, conn)
	go relay(conn, remote)
	<-done
}

// handlePlainHTTP forwards absolute-URI HTTP requests (the common shape for
// a proxy client that isn't using CONNECT), looping for further requests on
// the same connection until it's closed or idle. Grounded on
// _proxy_http_request, re-expressed with net/http request/response
// plumbing instead of hand-rolled header joins.
func (s *Server) handlePlainHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, first *http.Request) {
	req := first
	for {
		s.handlePlainExchange(ctx, conn, req)

		conn.SetReadDeadline(time.Now().Add(mitmReadTimeout))
		next, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		req = next
	}
}

func (s *Server) handlePlainExchange(ctx context.Context, conn net.Conn, req *http.Request) {
	spanCtx, span := tracer.Start(ctx, "proxy.plain_exchange", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL.String()),
	))
	defer span.End()

	bodyBytes, _ := io.ReadAll(req.Body)
	req.Body.Close()

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[strings.ToLower(k)] = req.Header.Get(k)
	}

	urlStr := req.URL.String()
	var prompt *model.InterceptedPrompt
	if parser.IsAIRequest(urlStr, string(bodyBytes), headers, s.cfg.Patterns) {
		prompt = parser.ExtractPromptFromRequest(urlStr, req.Method, string(bodyBytes), headers, s.cfg.Patterns)
	}

	outReq, err := http.NewRequestWithContext(spanCtx, req.Method, urlStr, bytes.NewReader(bodyBytes))
	if err != nil {
		span.RecordError(err)
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Del("Proxy-Connection")

	resp, err := upstreamClient.Do(outReq)
	if err != nil {
		s.cfg.Stats.IncOriginErrors()
		span.RecordError(err)
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if prompt != nil {
		if text := parser.ExtractResponse(string(respBody)); text != nil {
			prompt.Response = text
		}
		if parser.ShouldLogRequest(prompt) && s.cfg.Registry != nil {
			if prompt.Metadata == nil {
				prompt.Metadata = make(map[string]interface{})
			}
			prompt.Metadata["capture_method"] = string(model.CaptureMITMProxy)
			s.cfg.Registry.Emit(prompt)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	resp.ContentLength = int64(len(respBody))
	resp.Header.Set("Content-Length", strconv.Itoa(len(respBody)))
	resp.Write(conn)
}
