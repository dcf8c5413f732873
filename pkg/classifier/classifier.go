// Package classifier reads the start of a raw connection to extract just
// enough of the HTTP request line and headers to route it, keeping every
// byte it reads so the stream proxy can forward them verbatim later.
package classifier

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
)

// maxPeek bounds how much of the connection's head we will buffer while
// classifying. A request line plus a handful of headers comfortably fits;
// anything larger is treated as unparseable rather than risking unbounded
// memory use.
const maxPeek = 64 * 1024

// Request is the result of classifying a connection's head.
type Request struct {
	// ID is a correlation identifier assigned to this connection, used in
	// logs for the lifetime of the request.
	ID string
	// Method and Path come from the request line: "METHOD PATH HTTP/x.y".
	Method string
	Path   string
	// APIKey is the value of the X-API-Key header, if present (tolerating
	// both "X-API-Key:val" and "X-API-Key: val").
	APIKey string
	// Head is every byte read from conn while classifying. The stream
	// proxy must forward Head to the backend before anything else, since
	// it has already been drained off the wire.
	Head []byte
}

// ErrUnparseable is returned when the connection's head cannot be parsed as
// an HTTP request line.
var ErrUnparseable = errors.New("classifier: unparseable request line")

// Classify reads (buffering, not peeking — Go's net.Conn has no MSG_PEEK
// equivalent worth using here) up to maxPeek bytes from conn, looking for a
// terminated request line and headers. Everything read is returned in
// Request.Head so the caller can replay it to the backend.
func Classify(conn net.Conn) (Request, error) {
	reader := bufio.NewReaderSize(io.LimitReader(conn, maxPeek), maxPeek)
	var head bytes.Buffer

	line, err := readLine(reader, &head)
	if err != nil {
		return Request{}, ErrUnparseable
	}

	method, path, ok := parseRequestLine(line)
	if !ok {
		return Request{}, ErrUnparseable
	}

	req := Request{
		ID:     uuid.NewString(),
		Method: method,
		Path:   path,
	}

	terminated := false
	for {
		headerLine, err := readLine(reader, &head)
		if err != nil {
			break
		}
		if headerLine == "" {
			terminated = true
			break
		}
		if key, val, ok := parseHeaderLine(headerLine); ok && strings.EqualFold(key, "X-API-Key") {
			req.APIKey = val
		}
	}
	if !terminated && head.Len() >= maxPeek {
		return Request{}, ErrUnparseable
	}

	// Drain whatever bufio has already buffered beyond what we consumed
	// logically, so Head carries every byte actually taken off the wire.
	if buffered := reader.Buffered(); buffered > 0 {
		extra := make([]byte, buffered)
		_, _ = reader.Read(extra)
		head.Write(extra)
	}

	req.Head = head.Bytes()
	return req, nil
}

// readLine reads one CRLF- or LF-terminated line, appends it to head exactly
// as read, and returns it with the terminator stripped. io.EOF with no bytes
// read is surfaced as an error.
func readLine(reader *bufio.Reader, head *bytes.Buffer) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	head.WriteString(line)
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// parseRequestLine splits "METHOD /path HTTP/1.1" into method and path.
// Query strings are kept as part of path's raw form is NOT stripped here —
// callers that need just the path should strip manually; routetable
// comparisons are verbatim per spec.md §4.7.
func parseRequestLine(line string) (method, path string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// parseHeaderLine splits "Key: value" or "Key:value" into key/value,
// tolerating the missing space gate.py's handle_client explicitly allows.
func parseHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	return key, value, true
}

// IsAdminPath reports whether path is one of the gate's built-in admin
// endpoints, which bypass route-table lookup.
func IsAdminPath(path string) bool {
	return strings.HasPrefix(path, "/__health") ||
		strings.HasPrefix(path, "/admin/")
}
