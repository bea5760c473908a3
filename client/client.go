// Package client implements the caller side of keepalive-rpc: the Invoke
// path, the cache of persistent connections behind it, and the retry policy
// that recovers from a stale cached connection.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"keepalive-rpc/codec"
	"keepalive-rpc/message"
	"keepalive-rpc/registry"
	"keepalive-rpc/transport"
)

// DefaultTimeout bounds a single send or receive when the caller does not
// supply a timeout of its own.
const DefaultTimeout = 2 * time.Second

var invokeRetries = metrics.NewCounter("rpc_invoke_retries_total")

// Options configures a Client. Zero values select defaults.
type Options struct {
	Timeout     time.Duration     // socket/receive timeout, <=0: DefaultTimeout
	IdleTimeout time.Duration     // idle eviction, <=0: transport.DefaultIdleTimeout
	Codec       codec.Codec       // nil: codec.Default()
	Logger      *zap.Logger       // nil: zap.NewNop()
	Resolver    registry.Resolver // optional: look up an address by service id
}

// Client invokes methods on named remote services, transparently managing a
// cache of persistent connections. One Client owns one connection cache; tear
// it down with Shutdown.
type Client struct {
	cache    *transport.ConnCache
	cdc      codec.Codec
	timeout  time.Duration
	logger   *zap.Logger
	resolver registry.Resolver
}

// New creates a Client with an empty connection cache.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		cache: transport.NewConnCache(transport.CacheConfig{
			Codec:       opts.Codec,
			IdleTimeout: opts.IdleTimeout,
			Logger:      opts.Logger,
		}),
		cdc:      opts.Codec,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		resolver: opts.Resolver,
	}
}

// Invoke calls method on the named service at address using the client's
// default timeout. See InvokeTimeout.
func (c *Client) Invoke(address, service, method string, args any) (json.RawMessage, error) {
	return c.InvokeTimeout(address, service, method, args, c.timeout)
}

// InvokeTimeout calls method on the named service at address and returns the
// result payload. An empty address is looked up through the configured
// resolver.
//
// If the send fails — typically because the cached connection was already
// closed by the remote peer, or eviction raced with use — the connection is
// reset and the request sent once more. Note that if the first send actually
// reached the peer and only the local failure detection was delayed, the
// retry makes the remote method execute twice. That is an accepted semantic
// of the retry policy; there is no request sequence number to deduplicate
// with, so exactly-once is not achievable here. The retry can also block the
// caller for up to twice the timeout.
func (c *Client) InvokeTimeout(address, service, method string, args any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if address == "" {
		if c.resolver == nil {
			return nil, fmt.Errorf("client: no address for service %q and no resolver configured", service)
		}
		resolved, err := c.resolver.Lookup(service)
		if err != nil {
			return nil, fmt.Errorf("client: resolve address for %q: %w", service, err)
		}
		address = resolved
	}

	argPayload, err := c.cdc.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("client: encode args: %w", err)
	}
	payload, err := c.cdc.Encode(&message.Request{
		Service: service,
		Method:  method,
		Args:    argPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	ch, err := c.cache.Resolve(service, address, timeout)
	if err != nil {
		return nil, err
	}
	ch.SetTimeout(timeout)

	if err := ch.Send(payload); err != nil {
		// One reset-and-retry, never more.
		invokeRetries.Inc()
		c.logger.Warn("send failed on cached connection, resetting",
			zap.String("service", service), zap.Error(err))
		ch, err = c.cache.Reset(service, address, timeout)
		if err != nil {
			return nil, err
		}
		ch.SetTimeout(timeout)
		if err := ch.Send(payload); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrSendFailed, service, method, err)
		}
	}

	raw, err := ch.Recv()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrTimeout, service, method, err)
		}
		return nil, fmt.Errorf("client: receive response for %s.%s: %w", service, method, err)
	}

	var resp message.Response
	if err := c.cdc.Decode(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Status != message.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrRemoteInvocation, resp.Error)
	}
	if len(resp.Value) == 0 {
		return nil, fmt.Errorf("%w: status OK but no result payload", ErrMalformedResponse)
	}

	c.cache.Release(service)
	return resp.Value, nil
}

// Call is a convenience wrapper around Invoke that unmarshals the result
// payload into reply.
func (c *Client) Call(address, service, method string, args, reply any) error {
	value, err := c.Invoke(address, service, method, args)
	if err != nil {
		return err
	}
	return c.cdc.Decode(value, reply)
}

// Shutdown drains and closes every cached connection. Safe to call more than
// once.
func (c *Client) Shutdown() {
	c.cache.Shutdown()
}

// Services returns the service identifiers with a currently cached
// connection.
func (c *Client) Services() []string {
	return c.cache.Services()
}

// DumpState returns a human-readable listing of the cached connections.
func (c *Client) DumpState() string {
	var b strings.Builder
	b.WriteString("Current persistent connections are ...\n")
	for _, service := range c.cache.Services() {
		b.WriteString(service)
		b.WriteByte('\n')
	}
	return b.String()
}
