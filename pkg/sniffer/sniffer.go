// Package sniffer implements C4: a loopback packet sniffer that recovers
// Windsurf's local language-server prompt traffic, which never goes through
// the MITM proxy because it targets d.localhost:<dynamic port> directly.
// Grounded line-for-line on original_source/src/local_sniffer.py: tcpdump is
// spawned against the loopback interface with raw pcap on stdout, and the
// pcap/link/IP/TCP headers are decoded by hand to recover per-flow TCP
// payload, which is then scanned for embedded JSON.
package sniffer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/windsurf-prompt/gateway/pkg/model"
	"github.com/windsurf-prompt/gateway/pkg/parser"
	"github.com/windsurf-prompt/gateway/pkg/sink"
	"github.com/windsurf-prompt/gateway/pkg/stats"
)

const (
	maxBufferBytes     = 5 * 1024 * 1024
	trailingKeepBytes  = 256 * 1024
	knownPortTTL       = 10 * time.Minute
)

var (
	targetEndpointPattern = regexp.MustCompile(`SendUserCascadeMessage`)
	targetServicePattern  = regexp.MustCompile(`LanguageServerService`)
	targetHostPattern     = regexp.MustCompile(`[a-z]\.localhost`)

	windsurfURLPattern1 = regexp.MustCompile(`http://([a-z])\.localhost:(\d+)(/[^\s]*)?`)
	windsurfURLPattern2 = regexp.MustCompile(`([a-z])\.localhost:(\d+)`)
)

type streamKey struct {
	srcPort uint16
	dstPort uint16
}

// Sniffer captures loopback TCP traffic via tcpdump and reassembles
// per-flow payload looking for Windsurf cascade-message JSON bodies.
// A single dedicated goroutine runs the capture loop — intentionally not
// parallelized, so that flow reassembly state never needs its own lock
// beyond what guards cross-goroutine reads of stats and the known-port set.
type Sniffer struct {
	registry *sink.Registry
	stats    *stats.SnifferStats
	debug    bool
	iface    string

	mu             sync.Mutex
	streamBuffers  map[streamKey][]byte
	knownLSPorts   map[uint16]time.Time

	cmd *exec.Cmd
	log *log.Logger
}

// Config configures a Sniffer.
type Config struct {
	Registry  *sink.Registry
	Stats     *stats.SnifferStats
	Debug     bool
	Interface string // defaults to "lo0"
}

// New returns a Sniffer ready to Run.
func New(cfg Config) *Sniffer {
	iface := cfg.Interface
	if iface == "" {
		iface = "lo0"
	}
	st := cfg.Stats
	if st == nil {
		st = &stats.SnifferStats{}
	}
	return &Sniffer{
		registry:      cfg.Registry,
		stats:         st,
		debug:         cfg.Debug,
		iface:         iface,
		streamBuffers: make(map[streamKey][]byte),
		knownLSPorts:  make(map[uint16]time.Time),
		log:           log.New(os.Stderr, "[sniffer] ", log.LstdFlags),
	}
}

// Run spawns tcpdump and processes its raw pcap output until ctx is
// cancelled or the stream ends. It blocks the calling goroutine — callers
// run it in its own goroutine, per §5's single-dedicated-thread model.
func (s *Sniffer) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "tcpdump",
		"-i", s.iface,
		"-w", "-",
		"-U",
		"-s", "0",
		"tcp",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sniffer: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("sniffer: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sniffer: start tcpdump: %w", err)
	}
	s.cmd = cmd

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				s.log.Printf("tcpdump: %s", string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	evictDone := make(chan struct{})
	go func() {
		defer close(evictDone)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictStalePorts()
			}
		}
	}()

	err = s.consume(stdout)
	cmd.Wait()
	<-evictDone
	return err
}

func (s *Sniffer) evictStalePorts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-knownPortTTL)
	for port, seen := range s.knownLSPorts {
		if seen.Before(cutoff) {
			delete(s.knownLSPorts, port)
		}
	}
}

// consume reads the pcap global header, then packet-by-packet, until EOF.
func (s *Sniffer) consume(r io.Reader) error {
	globalHeader, err := readExact(r, 24)
	if err != nil {
		return fmt.Errorf("sniffer: read pcap global header: %w", err)
	}

	magic := binary.LittleEndian.Uint32(globalHeader[0:4])
	var order binary.ByteOrder
	switch magic {
	case 0xa1b2c3d4:
		order = binary.LittleEndian
	case 0xd4c3b2a1:
		order = binary.BigEndian
	default:
		return fmt.Errorf("sniffer: unknown pcap magic %#x", magic)
	}

	linkType := order.Uint32(globalHeader[20:24])

	for {
		pktHeader, err := readExact(r, 16)
		if err != nil {
			return nil
		}
		inclLen := order.Uint32(pktHeader[8:12])

		pktData, err := readExact(r, int(inclLen))
		if err != nil {
			return nil
		}

		s.stats.IncPacketsObserved()
		s.parsePacket(pktData, linkType, order)
	}
}

func readExact(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// parsePacket strips the link-layer, IP, and TCP headers to recover the TCP
// payload, silently dropping anything malformed or non-TCP — matching the
// Python sniffer's "skip malformed packets silently" policy.
func (s *Sniffer) parsePacket(pktData []byte, linkType uint32, order binary.ByteOrder) {
	defer func() { recover() }()

	var ipData []byte
	switch linkType {
	case 0: // NULL/loopback: 4-byte address-family header
		if len(pktData) < 4 {
			return
		}
		ipData = pktData[4:]
	case 1: // Ethernet: 14-byte header
		if len(pktData) < 14 {
			return
		}
		ipData = pktData[14:]
	default:
		return
	}

	if len(ipData) < 20 {
		return
	}

	versionIHL := ipData[0]
	version := versionIHL >> 4
	ihl := versionIHL & 0xF

	var tcpData []byte
	switch version {
	case 4:
		headerLen := int(ihl) * 4
		if len(ipData) < headerLen {
			return
		}
		if ipData[9] != 6 { // protocol != TCP
			return
		}
		tcpData = ipData[headerLen:]
	case 6:
		if len(ipData) < 40 {
			return
		}
		if ipData[6] != 6 { // next header != TCP
			return
		}
		tcpData = ipData[40:]
	default:
		return
	}

	if len(tcpData) < 20 {
		return
	}

	srcPort := binary.BigEndian.Uint16(tcpData[0:2])
	dstPort := binary.BigEndian.Uint16(tcpData[2:4])
	dataOffset := (tcpData[12] >> 4) & 0xF
	tcpHeaderLen := int(dataOffset) * 4

	if len(tcpData) <= tcpHeaderLen {
		return
	}
	payload := tcpData[tcpHeaderLen:]
	if len(payload) == 0 {
		return
	}

	s.processPayload(payload, srcPort, dstPort)
}

// processPayload buffers payload per (src,dst) flow and attempts extraction
// once enough has accumulated, per §4.4's buffering/overflow policy.
func (s *Sniffer) processPayload(payload []byte, srcPort, dstPort uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasURLTarget := targetEndpointPattern.Match(payload) ||
		targetServicePattern.Match(payload) ||
		targetHostPattern.Match(payload)

	if hasURLTarget {
		s.knownLSPorts[dstPort] = time.Now()
	}

	hasBodyTarget := bytes.Contains(payload, []byte(`"cascadeId"`)) ||
		bytes.Contains(payload, []byte(`"items"`)) ||
		bytes.Contains(payload, []byte("LanguageServerService"))

	_, isKnownPort := s.knownLSPorts[dstPort]

	key := streamKey{srcPort, dstPort}
	_, tracking := s.streamBuffers[key]

	shouldBuffer := hasURLTarget || hasBodyTarget || isKnownPort

	if shouldBuffer || tracking {
		s.streamBuffers[key] = append(s.streamBuffers[key], payload...)
		s.stats.IncPayloadsBuffered()
	}

	buf, ok := s.streamBuffers[key]
	if !ok {
		return
	}

	if len(buf) > maxBufferBytes {
		if len(buf) > trailingKeepBytes {
			buf = buf[len(buf)-trailingKeepBytes:]
		}
		s.streamBuffers[key] = buf
		s.stats.SetActiveBuffers(int64(len(s.streamBuffers)))
		return
	}

	s.stats.IncExtractionAttempts()
	consumed := s.tryExtractRequest(buf)
	if consumed > 0 {
		remaining := buf[consumed:]
		if len(remaining) > 0 {
			s.streamBuffers[key] = remaining
		} else {
			delete(s.streamBuffers, key)
		}
	}
	s.stats.SetActiveBuffers(int64(len(s.streamBuffers)))
}

// tryExtractRequest implements §4.4's two-strategy body extraction: first as
// a standard HTTP/1.1 request (headers, blank line, JSON body), then as
// framed/binary (HTTP/2 or gRPC/Connect) data scanned directly for JSON.
// Returns the number of bytes consumed from the front of raw, or 0 if
// nothing could be extracted yet.
func (s *Sniffer) tryExtractRequest(raw []byte) int {
	text := string(raw)

	if headerEnd := indexHeaderEnd(text); headerEnd != -1 {
		bodyStart := headerEnd + 4
		body := text[bodyStart:]
		if trimmedNonEmpty(body) {
			jsonStr, jsonEnd := extractJSONWithPosition(body)
			if jsonStr != "" {
				var data map[string]json.RawMessage
				if err := json.Unmarshal([]byte(jsonStr), &data); err == nil {
					if _, hasCascade := data["cascadeId"]; hasCascade {
						if _, hasItems := data["items"]; hasItems {
							headerText := text[:headerEnd]
							headers := parseHeaders(headerText)
							url := extractWindsurfURL(headerText)
							if url == "" {
								url = defaultWindsurfURL
							}
							s.emitIfPrompt(url, jsonStr, headers)
							return bodyStart + jsonEnd
						}
					}
				}
			}
		}
	}

	if bytes.ContainsRune(raw, '{') {
		jsonStr, jsonEnd := extractJSONWithPosition(text)
		if jsonStr != "" {
			var data map[string]json.RawMessage
			if err := json.Unmarshal([]byte(jsonStr), &data); err == nil {
				_, hasCascade := data["cascadeId"]
				_, hasItems := data["items"]
				_, hasMeta := data["metadata"]
				_, hasMessages := data["messages"]
				_, hasModel := data["model"]

				hasMarker := (hasCascade && hasItems) ||
					(hasCascade && hasMeta) ||
					(hasMessages && hasModel) ||
					hasCascade

				if hasMarker {
					url := extractWindsurfURLFromData(text)
					if url == "" {
						url = defaultWindsurfURL
					}
					if s.emitIfPrompt(url, jsonStr, nil) {
						return jsonEnd
					}
				}
			}
		}
	}

	return 0
}

const defaultWindsurfURL = "http://localhost/exa.language_server_pb.LanguageServerService/SendUserCascadeMessage"

func (s *Sniffer) emitIfPrompt(url, jsonStr string, headers map[string]string) bool {
	p := parser.ExtractPromptFromRequest(url, "POST", jsonStr, headers, nil)
	if p == nil || p.Prompt == "" {
		return false
	}
	s.stats.IncSuccessfulExtractions()
	if s.registry != nil {
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["capture_method"] = string(model.CaptureLoopbackSniffer)
		s.registry.Emit(p)
	}
	return true
}

func indexHeaderEnd(text string) int {
	return indexString(text, "\r\n\r\n")
}

func indexString(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func trimmedNonEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

func parseHeaders(headerText string) map[string]string {
	headers := make(map[string]string)
	lines := splitLines(headerText)
	for i, line := range lines {
		if i == 0 {
			continue // request line
		}
		idx := indexString(line, ": ")
		if idx == -1 {
			continue
		}
		k := line[:idx]
		v := line[idx+2:]
		headers[toLower(k)] = v
	}
	return headers
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 2
			i++
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func extractWindsurfURL(headerText string) string {
	for _, line := range splitLines(headerText) {
		lower := toLower(line)
		if len(lower) >= 5 && lower[:5] == "host:" {
			host := trimSpace(line[5:])
			if indexString(host, ".localhost") != -1 {
				return "http://" + host + "/exa.language_server_pb.LanguageServerService/SendUserCascadeMessage"
			}
		}
	}
	return ""
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func extractWindsurfURLFromData(text string) string {
	if m := windsurfURLPattern1.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("http://%s.localhost:%s/exa.language_server_pb.LanguageServerService/SendUserCascadeMessage", m[1], m[2])
	}
	if m := windsurfURLPattern2.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("http://%s.localhost:%s/exa.language_server_pb.LanguageServerService/SendUserCascadeMessage", m[1], m[2])
	}
	return ""
}

// extractJSONWithPosition implements §4.4's prioritized-anchor JSON scan:
// cascadeId backward-scan (highest priority), Content-Length forward-scan,
// gRPC/Connect 5-byte length-prefix heuristic, then any standalone '{'.
func extractJSONWithPosition(text string) (string, int) {
	var candidates []int

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidates = append(candidates, i)
		}
	}

	for i := 0; i+5 < len(text); i++ {
		if text[i] == 0 && text[i+5] == '{' {
			candidates = append([]int{i + 5}, candidates...)
		}
	}

	for i := 0; i+5 <= len(text); i++ {
		if i+3 <= len(text) && text[i] == 0 && text[i+1] == 0 && text[i+2] == 0 && i+5 < len(text) && text[i+5] == '{' {
			candidates = append([]int{i + 5}, candidates...)
		}
	}

	if clPos := indexString(text, "Content-Length:"); clPos != -1 {
		searchStart := clPos + 15
		if searchStart < len(text) {
			if brace := indexByteFrom(text, '{', searchStart); brace != -1 {
				candidates = append([]int{brace}, candidates...)
			}
		}
	}

	if cascadePos := indexString(text, `"cascadeId"`); cascadePos != -1 {
		for j := cascadePos; j >= 0; j-- {
			if text[j] == '{' {
				candidates = append([]int{j}, candidates...)
				break
			}
		}
	}

	for _, start := range candidates {
		jsonStr, end := extractJSONFromPosition(text, start)
		if jsonStr != "" {
			return jsonStr, end
		}
	}

	return "", 0
}

func indexByteFrom(s string, b byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// extractJSONFromPosition runs a balanced-brace scan from start, tracking
// in-string/escape state so braces inside string literals don't affect
// depth. A candidate must be at least 10 bytes and contain "cascadeId" to
// be accepted — matching the Python scanner's validation gate — and must
// parse as JSON.
func extractJSONFromPosition(text string, start int) (string, int) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if !inString {
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if len(candidate) < 10 {
						return "", 0
					}
					if indexString(candidate, "cascadeId") == -1 {
						return "", 0
					}
					if !json.Valid([]byte(candidate)) {
						return "", 0
					}
					return candidate, i + 1
				}
			}
		} else {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
		}
	}

	return "", 0
}
