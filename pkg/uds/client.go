package uds

import (
	"context"
	"net"

	"github.com/yanun0323/errors"

	"tradecore/pkg/exception"
)

const unixNetwork = "unix"

// Client dials Unix domain sockets using a precomputed address.
type Client struct {
	addr net.UnixAddr
}

// NewClient creates a client for the provided socket path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Path returns the configured socket path.
func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.addr.Name
}

// Dial opens a Unix domain socket connection.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	if c == nil {
		return nil, exception.ErrNilUDS
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, unixNetwork, c.addr.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.addr.Name)
	}
	return conn, nil
}

// Send writes each line, newline terminated, on a fresh connection.
func (c *Client) Send(ctx context.Context, lines ...[]byte) error {
	conn, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	for _, line := range lines {
		if len(line) == 0 || line[len(line)-1] != '\n' {
			line = append(line[:len(line):len(line)], '\n')
		}
		if _, err := conn.Write(line); err != nil {
			return errors.Wrapf(err, "write %s", c.addr.Name)
		}
	}
	return nil
}
