// Package httpx is a small HTTPS client built for control over every step
// of an exchange.
//
// A Client sends one request per TLS connection. Each exchange walks a
// Channel through connect, handshake, write and read, and every failure is
// reported as an *Error whose Kind names the stage that failed. Peer
// certificates are verified against an explicit TrustStore; a failed check
// carries VerifyFlags describing every problem found. TrustInsecure lets
// the exchange continue anyway and is logged as a warning.
//
// The raw byte stream is a Transport. Read and Write report ErrWouldBlock
// instead of waiting, and the channel retries with backoff until the phase
// deadline. NetTransport implements it over TCP.
//
// Requests are framed with Content-Length or chunked coding and written in
// bounded slices. Responses are parsed incrementally; Content-Length,
// chunked and close-delimited bodies are supported and interim 1xx
// responses are skipped. A body can be collected or streamed to a callback.
//
// Quick start:
//
//	c, err := httpx.NewClient(httpx.Config{TrustFile: "ca.pem"})
//	if err != nil { log.Fatal(err) }
//	res, err := c.Do(ctx, httpx.MethodGet, "https://example.org/", nil)
//	if err != nil { log.Fatal(err) }
//	fmt.Println(res.Status(), string(res.Body))
package httpx
