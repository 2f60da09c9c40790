package otel

import (
	"io"
	"log"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// knownComponents is the set of [Tag] prefixes the daemon's packages
// log under. Tags outside this set are folded into "general" with the
// tag left in the body, so a typo never silently invents a component.
var knownComponents = map[string]string{
	"station":   "station",
	"relay":     "relay",
	"registry":  "registry",
	"bridge":    "bridge",
	"transport": "transport",
	"dht":       "dht",
	"discovery": "discovery",
	"directory": "directory",
	"rpc":       "rpc",
	"otel":      "otel",
}

// logBridgeWriter is an io.Writer that intercepts log.Printf output,
// parses [Tag] prefixes into structured attributes, and emits OTel log
// records. It also writes all output to stderr to preserve existing
// behavior.
type logBridgeWriter struct {
	stderr io.Writer
	logger otellog.Logger
}

// Write implements io.Writer. It parses each log line for a [Component]
// prefix, extracts it as an attribute, infers a severity from the body,
// and emits an OTel log record.
func (w *logBridgeWriter) Write(p []byte) (int, error) {
	// Always write to stderr first
	n, err := w.stderr.Write(p)

	// Parse the log line for OTel emission
	line := strings.TrimSpace(string(p))
	if line == "" {
		return n, err
	}

	component, body := parseLogLine(line)

	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetBody(otellog.StringValue(body))
	record.SetSeverity(severityFor(body))
	record.AddAttributes(otellog.String("component", component))

	w.logger.Emit(nil, record) //nolint:staticcheck // nil context is fine for fire-and-forget

	return n, err
}

// parseLogLine extracts a [Tag] prefix from a log line.
// Input:  "2026/02/17 12:00:00 [Relay] delivered message to node 456"
// Output: component="relay", body="delivered message to node 456"
//
// Tags not in knownComponents, and lines with no tag at all, map to
// component "general" with the body unchanged (the stdlib log timestamp
// prefix is stripped if present).
func parseLogLine(line string) (component, body string) {
	// Strip stdlib log timestamp prefix (e.g. "2026/02/17 12:00:00 ")
	// Format: YYYY/MM/DD HH:MM:SS — 20 chars
	stripped := line
	if len(line) > 20 && line[4] == '/' && line[7] == '/' && line[10] == ' ' && line[13] == ':' {
		stripped = strings.TrimSpace(line[20:])
	}

	// Look for a [Tag] prefix with a tag the daemon actually uses
	if len(stripped) > 2 && stripped[0] == '[' {
		end := strings.IndexByte(stripped, ']')
		if end > 1 {
			if c, ok := knownComponents[strings.ToLower(stripped[1:end])]; ok {
				return c, strings.TrimSpace(stripped[end+1:])
			}
		}
	}

	return "general", stripped
}

// severityFor maps the daemon's log message conventions onto OTel
// severities. Failures log as "... failed: <err>", recoverable drops
// and unreachable peers log as "Dropping ..." or "... unreachable".
func severityFor(body string) otellog.Severity {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "failed") || strings.Contains(lower, "error"):
		return otellog.SeverityError
	case strings.HasPrefix(lower, "dropping") ||
		strings.Contains(lower, "unreachable") ||
		strings.Contains(lower, "conflict"):
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

// InstallLogBridge replaces log.SetOutput with a writer that forwards
// log.Printf output to both stderr and the OTel LoggerProvider.
// Existing log.Printf calls require zero changes.
func InstallLogBridge(lp *sdklog.LoggerProvider) {
	logger := lp.Logger("stationbridge.log")
	log.SetOutput(&logBridgeWriter{
		stderr: os.Stderr,
		logger: logger,
	})
}
