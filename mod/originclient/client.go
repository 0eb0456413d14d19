// Package originclient implements a minimal raw HTTP/1.1 client for
// talking to the base origin server: HEAD and GET, a single activity
// deadline, and a byte-at-a-time header reader so the body boundary is
// never overrun.
package originclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"go.offloadsrv.dev/offload/mod/headermap"
)

// BypassHeader is sent on every outbound origin request so the origin's
// own offload-decision plug-in does not redirect this server to itself.
const BypassHeader = "X-Mod-Offload-Bypass"

// ServerIdent is sent as the User-Agent identifying this server to the
// origin.
const ServerIdent = "offloadsrv/1.0"

// Client issues HEAD/GET requests against one configured origin.
type Client struct {
	Host    string // origin hostname, used for both dial and the Host header
	Port    int
	Timeout time.Duration
}

// New returns a Client for the given origin host/port with the given
// single activity-deadline timeout.
func New(host string, port int, timeout time.Duration) *Client {
	return &Client{Host: host, Port: port, Timeout: timeout}
}

// Response is the parsed status line plus header map returned by both
// Head and Get. For Get, Body is the still-open, connected socket
// positioned at the first body byte; the caller owns closing it.
type Response struct {
	StatusCode int
	Headers    *headermap.Map
	Body       net.Conn // nil for Head
}

// Head issues a HEAD request and closes the connection, returning only
// the status and headers.
func (c *Client) Head(uri string) (*Response, error) {
	conn, resp, err := c.do("HEAD", uri)
	if err != nil {
		return nil, err
	}
	conn.Close()
	resp.Body = nil
	return resp, nil
}

// Get issues a GET request and returns the status, headers, and the
// open connection positioned at the first body byte. The caller must
// close resp.Body.
func (c *Client) Get(uri string) (*Response, error) {
	conn, resp, err := c.do("GET", uri)
	if err != nil {
		return nil, err
	}
	resp.Body = conn
	return resp, nil
}

func (c *Client) do(method, uri string) (net.Conn, *Response, error) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	conn, err := net.DialTimeout("tcp", addr, c.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("originclient: dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(c.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("originclient: set deadline: %w", err)
	}

	reqLine := fmt.Sprintf("%s %s HTTP/1.1\r\n", method, uri)
	headers := fmt.Sprintf(
		"Host: %s\r\nUser-Agent: %s\r\nConnection: close\r\n%s: true\r\n\r\n",
		c.Host, ServerIdent, BypassHeader,
	)
	if _, err := conn.Write([]byte(reqLine + headers)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("originclient: write request: %w", err)
	}

	resp, err := readResponseHeaders(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, resp, nil
}

// readResponseHeaders reads the status line and headers one byte at a
// time, stopping exactly at the header/body boundary (a blank line,
// either CRLF CRLF or LF LF) without consuming any body byte.
func readResponseHeaders(conn net.Conn) (*Response, error) {
	br := &byteReader{conn: conn}

	statusLine, err := br.readLine()
	if err != nil {
		return nil, fmt.Errorf("originclient: read status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r")
	if statusLine == "" {
		return nil, fmt.Errorf("originclient: empty status line")
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return nil, fmt.Errorf("originclient: malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("originclient: malformed status code in %q", statusLine)
	}

	headers := headermap.New()
	for {
		line, err := br.readLine()
		if err != nil {
			return nil, fmt.Errorf("originclient: read header line: %w", err)
		}
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("originclient: malformed header line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("originclient: invalid header %q", line)
		}
		headers.Set(name, value)
	}

	return &Response{StatusCode: code, Headers: headers}, nil
}

// byteReader reads a net.Conn one byte at a time, assembling lines
// without a buffered-reader read-ahead that would swallow body bytes
// past the blank-line boundary.
type byteReader struct {
	conn net.Conn
}

func (b *byteReader) readLine() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := b.conn.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			return "", err
		}
	}
}
