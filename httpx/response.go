package httpx

import (
	"fmt"
	"strconv"
)

// Response is the result of a completed exchange. When the request had an
// OnBody callback, Streamed is set and Body stays empty.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	// Header holds the response fields; repeated names are joined with ", ".
	Header        Header
	Body          []byte
	ContentLength int64 // declared length, -1 if none
	Streamed      bool
	// Complete is set once the body reached its framed end. Send only
	// returns complete responses.
	Complete bool
}

// Status is the status line without the protocol, e.g. "200 OK".
func (r *Response) Status() string {
	s := strconv.Itoa(r.StatusCode)
	if r.Reason == "" {
		return s
	}
	return s + " " + r.Reason
}

// responseSink collects parser events into a Response.
type responseSink struct {
	resp    *Response
	onBody  BodyFunc
	maxBody int64
}

func newResponseSink(onBody BodyFunc, maxBody int64) *responseSink {
	return &responseSink{
		resp:    &Response{ContentLength: -1, Streamed: onBody != nil},
		onBody:  onBody,
		maxBody: maxBody,
	}
}

func (s *responseSink) Status(proto string, code int, reason string) {
	s.resp.Proto = proto
	s.resp.StatusCode = code
	s.resp.Reason = reason
}

func (s *responseSink) Field(name, value string) {
	s.resp.Header.Append(name, value)
}

func (s *responseSink) Body(p []byte) error {
	if s.onBody != nil {
		return s.onBody(p)
	}
	if s.maxBody > 0 && int64(len(s.resp.Body)+len(p)) > s.maxBody {
		return fmt.Errorf("%w: %d bytes", ErrResponseTooBig, s.maxBody)
	}
	s.resp.Body = append(s.resp.Body, p...)
	return nil
}
