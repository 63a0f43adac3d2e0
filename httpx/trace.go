package httpx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace carries W3C trace context for propagation on outbound requests.
// TraceID is 32 hex digits, SpanID 16, Flags 2 (e.g. "01"). State is the
// raw tracestate value, if any.
type Trace struct {
	TraceID string
	SpanID  string
	Flags   string
	State   string
}

// NewTrace starts a sampled trace with fresh IDs.
func NewTrace() Trace {
	return Trace{TraceID: genTraceID(), SpanID: genSpanID(), Flags: "01"}
}

// ParseTrace reads inbound traceparent and tracestate values.
func ParseTrace(traceparent, tracestate string) (Trace, bool) {
	tid, sid, fl, ok := parseTraceparent(traceparent)
	if !ok {
		return Trace{}, false
	}
	return Trace{TraceID: tid, SpanID: sid, Flags: fl, State: NewTraceStateBuilder(tracestate).String()}, true
}

type traceKeyType struct{}

var traceKey traceKeyType

// WithTrace stores trace context in ctx.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts trace context from ctx.
func TraceFrom(ctx context.Context) (Trace, bool) {
	tr, ok := ctx.Value(traceKey).(Trace)
	return tr, ok
}

// childTraceparent renders the traceparent of an outbound request: same
// trace, new span.
func childTraceparent(tr Trace) (traceparent, span string, ok bool) {
	if len(tr.TraceID) != 32 || !isHex(tr.TraceID) || tr.TraceID == strings.Repeat("0", 32) {
		return "", "", false
	}
	span = genSpanID()
	return formatTraceparent(tr.TraceID, span, tr.Flags), span, true
}

func genTraceID() string { return genHexID(16) }

func genSpanID() string { return genHexID(8) }

// genHexID returns n random bytes in hex, never all zeros.
func genHexID(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err != nil {
			continue
		}
		for _, v := range b {
			if v != 0 {
				return hex.EncodeToString(b)
			}
		}
	}
}

// parseTraceparent extracts trace-id, span-id, flags. Returns ok=false if invalid.
func parseTraceparent(v string) (traceID, spanID, flags string, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", "", false
	}
	parts := strings.Split(v, "-")
	if len(parts) < 4 {
		return "", "", "", false
	}
	ver, tid, sid, fl := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || len(tid) != 32 || len(sid) != 16 || len(fl) != 2 {
		return "", "", "", false
	}
	if !isHex(ver) || !isHex(tid) || !isHex(sid) || !isHex(fl) {
		return "", "", "", false
	}
	tid, sid = strings.ToLower(tid), strings.ToLower(sid)
	if tid == strings.Repeat("0", 32) || sid == strings.Repeat("0", 16) {
		return "", "", "", false
	}
	return tid, sid, strings.ToLower(fl), true
}

func formatTraceparent(traceID, spanID, flags string) string {
	if flags == "" {
		flags = "01"
	}
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}
