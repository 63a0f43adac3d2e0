package httpx

import (
	"strings"

	"dqx0.com/go/securefetch/httpx/internal/http1"
)

// Field is one header line.
type Field = http1.Field

// Header is an ordered collection of header fields with case-insensitive
// names. Each name appears at most once; Set on an existing name replaces
// the value in place. The zero value is ready to use, and a Header copied
// by value is independent of the original.
type Header struct {
	fields []Field
}

func (h *Header) find(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Set stores value under name, keeping the position of an existing entry
// and the spelling it was first given.
func (h *Header) Set(name, value string) {
	// Copies share the backing array, so every mutation writes a new one.
	fields := make([]Field, len(h.fields), len(h.fields)+1)
	copy(fields, h.fields)
	if i := h.find(name); i >= 0 {
		fields[i].Value = value
	} else {
		fields = append(fields, Field{Name: name, Value: value})
	}
	h.fields = fields
}

// Append adds value to name, joining with ", " if the name is present.
func (h *Header) Append(name, value string) {
	if cur, ok := h.Lookup(name); ok {
		h.Set(name, cur+", "+value)
		return
	}
	h.Set(name, value)
}

func (h *Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

func (h *Header) Lookup(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	i := h.find(name)
	if i < 0 {
		return "", false
	}
	return h.fields[i].Value, true
}

func (h *Header) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Del removes name. Remaining fields keep their relative order.
func (h *Header) Del(name string) {
	i := h.find(name)
	if i < 0 {
		return
	}
	fields := make([]Field, 0, len(h.fields)-1)
	fields = append(fields, h.fields[:i]...)
	h.fields = append(fields, h.fields[i+1:]...)
}

func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Each calls fn for every field in insertion order until fn returns false.
func (h *Header) Each(fn func(name, value string) bool) {
	if h == nil {
		return
	}
	for _, f := range h.fields {
		if !fn(f.Name, f.Value) {
			return
		}
	}
}

// Names returns the field names in insertion order.
func (h *Header) Names() []string {
	out := make([]string, 0, h.Len())
	h.Each(func(name, _ string) bool {
		out = append(out, name)
		return true
	})
	return out
}

func (h *Header) Clone() Header {
	var c Header
	h.Each(func(name, value string) bool {
		c.Set(name, value)
		return true
	})
	return c
}

// Fields returns a copy of the fields in insertion order.
func (h *Header) Fields() []Field {
	if h == nil {
		return nil
	}
	return append([]Field(nil), h.fields...)
}
