// Package `rcon` is a minimal client for the Source RCON protocol, which the
// writer exposes as its administrative command channel.
//
// Wire format, all integers little-endian:
//
//	int32 length   // of the remainder
//	int32 id       // request id, echoed in responses
//	int32 type     // 3 auth, 2 exec, 0 response
//	bytes body     // NUL-terminated
//	byte  0x00     // trailing pad
//
// A failed auth is signalled by a response with id -1.
package rcon

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var ErrAuthFailed = errors.New("rcon authentication failed")
var ErrBadResponse = errors.New("malformed rcon response")

const (
	typeResponse     = 0
	typeExecCommand  = 2
	typeAuth         = 3
	typeAuthResponse = 2
)

// Packets are limited to 4096 body bytes by common server implementations.
const maxBody = 4096

// `Client` serializes commands; at most one is in flight per connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	nextId int32
}

// `Dial()` connects and authenticates.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		br:     bufio.NewReader(conn),
		nextId: 1,
	}
	if err := c.auth(ctx, password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) auth(ctx context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.sendLocked(ctx, typeAuth, password)
	if err != nil {
		return err
	}
	// Some servers send an empty response packet before the auth
	// response; accept both orders.
	for {
		rid, rtype, _, err := c.recvLocked(ctx)
		if err != nil {
			return err
		}
		if rid == -1 {
			return ErrAuthFailed
		}
		if rid == id && rtype == typeAuthResponse {
			return nil
		}
		if rtype != typeResponse {
			return ErrBadResponse
		}
	}
}

// `SendCommand()` executes one command and returns the server's response
// body.  Deadlines are taken from the context.
func (c *Client) SendCommand(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.sendLocked(ctx, typeExecCommand, cmd)
	if err != nil {
		return "", err
	}
	rid, rtype, body, err := c.recvLocked(ctx)
	if err != nil {
		return "", err
	}
	if rid != id || rtype != typeResponse {
		return "", ErrBadResponse
	}
	return body, nil
}

func (c *Client) deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

func (c *Client) sendLocked(
	ctx context.Context, ptype int32, body string,
) (int32, error) {
	if len(body) > maxBody {
		return 0, fmt.Errorf("rcon body too long: %d bytes", len(body))
	}
	id := c.nextId
	c.nextId++

	buf := make([]byte, 0, 14+len(body))
	buf = appendInt32(buf, int32(10+len(body)))
	buf = appendInt32(buf, id)
	buf = appendInt32(buf, ptype)
	buf = append(buf, body...)
	buf = append(buf, 0x00, 0x00)

	if err := c.conn.SetWriteDeadline(c.deadlineFrom(ctx)); err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(buf); err != nil {
		return 0, wrapTimeout(ctx, err)
	}
	return id, nil
}

func (c *Client) recvLocked(
	ctx context.Context,
) (id int32, ptype int32, body string, err error) {
	if err := c.conn.SetReadDeadline(c.deadlineFrom(ctx)); err != nil {
		return 0, 0, "", err
	}

	var length int32
	if err := binary.Read(c.br, binary.LittleEndian, &length); err != nil {
		return 0, 0, "", wrapTimeout(ctx, err)
	}
	if length < 10 || length > maxBody+10 {
		return 0, 0, "", ErrBadResponse
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return 0, 0, "", wrapTimeout(ctx, err)
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	ptype = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(payload[8 : length-2])
	return id, ptype, body, nil
}

func appendInt32(buf []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(buf, b[:]...)
}

// `wrapTimeout()` maps an I/O deadline error back to the context error, so
// that callers can check `errors.Is(err, context.DeadlineExceeded)`.
func wrapTimeout(ctx context.Context, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() && ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ctx.Err(), err)
	}
	return err
}
