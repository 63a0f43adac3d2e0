package httpx

import (
	"strings"
)

// TraceStateBuilder provides safe construction of a W3C tracestate header value.
// It performs basic key/value validation and ordering (most-recent first).
type TraceStateBuilder struct {
	order []string          // keys in order
	kv    map[string]string // normalized key -> value
}

// maxTraceStateMembers is the W3C limit on list members.
const maxTraceStateMembers = 32

// NewTraceStateBuilder parses an existing tracestate string. Invalid and
// duplicate members are dropped.
func NewTraceStateBuilder(v string) *TraceStateBuilder {
	b := &TraceStateBuilder{kv: make(map[string]string)}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		i := strings.IndexByte(part, '=')
		if i <= 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(part[:i]))
		val := strings.TrimSpace(part[i+1:])
		if !validTSKey(k) || !validTSValue(val) {
			continue
		}
		if _, ok := b.kv[k]; ok {
			continue
		}
		b.kv[k] = val
		b.order = append(b.order, k)
	}
	b.truncate()
	return b
}

// Set inserts or updates key with value and moves it to the front.
// Returns false if key/value invalid.
func (b *TraceStateBuilder) Set(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if !validTSKey(k) || !validTSValue(v) {
		return false
	}
	if _, ok := b.kv[k]; ok {
		for i, ek := range b.order {
			if ek == k {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.kv[k] = v
	b.order = append([]string{k}, b.order...)
	b.truncate()
	return true
}

// String renders the tracestate.
func (b *TraceStateBuilder) String() string {
	var sb strings.Builder
	for i, k := range b.order {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b.kv[k])
	}
	return sb.String()
}

// truncate drops the oldest members beyond the limit.
func (b *TraceStateBuilder) truncate() {
	for len(b.order) > maxTraceStateMembers {
		last := b.order[len(b.order)-1]
		delete(b.kv, last)
		b.order = b.order[:len(b.order)-1]
	}
}

// Basic key validation per W3C (simplified): key or key@tenant, lower-case a-z0-9 and _-*./
func validTSKey(k string) bool {
	if k == "" || len(k) > 256 {
		return false
	}
	parts := strings.Split(k, "@")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i := 0; i < len(p); i++ {
			c := p[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '*' || c == '/' || c == '.' {
				continue
			}
			return false
		}
	}
	return true
}

// Basic value validation: disallow control chars, commas and '='.
func validTSValue(v string) bool {
	if v == "" || len(v) > 256 {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < 0x20 || c == 0x7f || c == ',' || c == '=' {
			return false
		}
	}
	return true
}
