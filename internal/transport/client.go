package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"
)

// DefaultDialTimeout bounds connection setup.
const DefaultDialTimeout = 5 * time.Second

// Client issues one RPC per connection. A call fails when the transport
// fails, the remote handler returns an error, or ctx ends first.
type Client struct {
	DialTimeout time.Duration
}

func NewClient() *Client {
	return &Client{DialTimeout: DefaultDialTimeout}
}

// Call dials addr, invokes method and waits for the reply.
func (c *Client) Call(ctx context.Context, addr, method string, args, reply interface{}) error {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	client := rpc.NewClient(conn)
	defer client.Close()

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return fmt.Errorf("%s on %s: %w", method, addr, call.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s on %s: %w", method, addr, ctx.Err())
	}
}
