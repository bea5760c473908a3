// Package server implements the serving side of keepalive-rpc: it accepts
// connections, answers the keep-alive handshake, and dispatches invocation
// requests to registered services.
//
// Connection lifecycle:
//
//	Accept conn → answer connect handshake (grant or downgrade keep-alive)
//	  → read requests in a loop → Middleware Chain → reflect.Call → respond
//	  → until the client goes away (keep-alive) or after one call (close)
//
// Requests on one connection are handled sequentially: without multiplexing,
// request/response pairs match up by order alone, so a second in-flight call
// on the same connection would corrupt the pairing.
package server

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"keepalive-rpc/codec"
	"keepalive-rpc/message"
	"keepalive-rpc/middleware"
	"keepalive-rpc/registry"
	"keepalive-rpc/transport"
)

// Server accepts connections and dispatches invocation requests to
// registered services.
type Server struct {
	services      map[string]*service     // registered services: "Echo" → *service
	listener      net.Listener            // TCP listener
	wg            sync.WaitGroup          // tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool             // set during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware // applied in registration order
	handler       middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	registry      registry.Registry       // service registry (etcd), nil if not used
	advertiseAddr string                  // address registered in etcd (e.g., "127.0.0.1:9000");
	// differs from the listen address (":9000") because etcd needs a routable IP
	keepAlive bool // grant keep-alive to clients that ask for it
	cdc       codec.Codec
	logger    *zap.Logger
}

// NewServer creates a server with an empty service map. Keep-alive requests
// are granted by default.
func NewServer() *Server {
	return &Server{
		services:  make(map[string]*service),
		keepAlive: true,
		cdc:       codec.Default(),
		logger:    zap.NewNop(),
	}
}

// SetLogger replaces the no-op default logger.
func (svr *Server) SetLogger(logger *zap.Logger) {
	if logger != nil {
		svr.logger = logger
	}
}

// GrantKeepAlive controls the handshake answer. When disabled, every
// handshake is downgraded to close and connections serve exactly one call.
func (svr *Server) GrantKeepAlive(ok bool) {
	svr.keepAlive = ok
}

// Register registers a service receiver (e.g., &Echo{}). Its exported methods
// matching the RPC signature become callable remotely under the struct name.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.services[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares apply in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Addr returns the listener's address, useful when serving on ":0".
func (svr *Server) Addr() string {
	if svr.listener == nil {
		return ""
	}
	return svr.listener.Addr().String()
}

// Serve listens on the given address, optionally registers every service in
// the registry, and enters the Accept loop.
//
// advertiseAddr is the address recorded in the registry; pass reg == nil to
// skip registration entirely.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener

	// Build the middleware chain once at startup, not per-request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for name := range svr.services {
			if err := reg.Register(name, advertiseAddr, 10); err != nil {
				svr.logger.Warn("registry registration failed",
					zap.String("service", name), zap.Error(err))
			}
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() makes Accept fail; the flag
			// distinguishes intentional close from a real error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// handleConn owns one connection: handshake first, then requests until the
// connection ends.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	// No timeout on the server side: a persistent connection legitimately
	// sits idle between calls until the client's cache evicts it.
	ch := transport.NewChannel(conn, 0)

	mode, err := svr.answerHandshake(ch)
	if err != nil {
		svr.logger.Debug("handshake rejected", zap.Error(err))
		return
	}

	for {
		raw, err := ch.Recv()
		if err != nil {
			return // connection closed or protocol error
		}
		svr.handleRequest(ch, raw)
		if mode != message.ModeKeepAlive {
			return // one-shot connection: exactly one call
		}
	}
}

// answerHandshake reads the client's connect message and echoes the granted
// mode. A client asking for keep-alive gets it only if the server grants
// persistence; everything else is downgraded to close.
func (svr *Server) answerHandshake(ch transport.Channel) (string, error) {
	raw, err := ch.Recv()
	if err != nil {
		return "", err
	}
	var hs message.HandshakeRequest
	if err := svr.cdc.Decode(raw, &hs); err != nil || hs.Type != message.ControlConnect {
		svr.replyHandshake(ch, message.StatusError, message.ModeClose)
		return "", fmt.Errorf("server: expected %q control message", message.ControlConnect)
	}

	mode := message.ModeClose
	if svr.keepAlive && hs.Options.Connection == message.ModeKeepAlive {
		mode = message.ModeKeepAlive
	}
	if err := svr.replyHandshake(ch, message.StatusOK, mode); err != nil {
		return "", err
	}
	return mode, nil
}

func (svr *Server) replyHandshake(ch transport.Channel, status message.Status, mode string) error {
	payload, err := svr.cdc.Encode(&message.HandshakeResponse{
		Status:  status,
		Type:    message.ControlConnect,
		Options: message.HandshakeOptions{Connection: mode},
	})
	if err != nil {
		return err
	}
	return ch.Send(payload)
}

// handleRequest processes a single request: decode → middleware chain →
// dispatch → encode → respond.
func (svr *Server) handleRequest(ch transport.Channel, raw []byte) {
	svr.wg.Add(1)
	defer svr.wg.Done()

	resp := &message.Response{Status: message.StatusError, Error: "malformed request"}
	var req message.Request
	if err := svr.cdc.Decode(raw, &req); err == nil {
		resp = svr.handler(context.Background(), &req)
	}

	payload, err := svr.cdc.Encode(resp)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	if err := ch.Send(payload); err != nil {
		svr.logger.Warn("failed to write response", zap.Error(err))
	}
}

// dispatch is the innermost handler: it resolves the target service and
// method, decodes the argument payload, and calls the method via reflection.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	svc, ok := svr.services[req.Service]
	if !ok {
		return &message.Response{
			Status: message.StatusError,
			Error:  fmt.Sprintf("unknown service %q", req.Service),
		}
	}
	m, ok := svc.method[req.Method]
	if !ok {
		return &message.Response{
			Status: message.StatusError,
			Error:  fmt.Sprintf("unknown method %q", req.Method),
		}
	}

	argv := reflect.New(m.ArgType)
	replyv := reflect.New(m.ReplyType)
	if len(req.Args) > 0 {
		if err := svr.cdc.Decode(req.Args, argv.Interface()); err != nil {
			return &message.Response{Status: message.StatusError, Error: err.Error()}
		}
	}

	if err := svc.call(m, argv, replyv); err != nil {
		return &message.Response{Status: message.StatusError, Error: err.Error()}
	}

	value, err := svr.cdc.Encode(replyv.Interface())
	if err != nil {
		return &message.Response{Status: message.StatusError, Error: err.Error()}
	}
	return &message.Response{Status: message.StatusOK, Value: value}
}

// Shutdown performs graceful shutdown:
//  1. Deregister every service (clients stop routing here)
//  2. Set the shutdown flag, then close the listener
//  3. Wait for in-flight requests to finish, bounded by timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		for name := range svr.services {
			if err := svr.registry.Deregister(name); err != nil {
				svr.logger.Warn("registry deregistration failed",
					zap.String("service", name), zap.Error(err))
			}
		}
	}

	// Flag before close: otherwise Accept's error races the flag and Serve
	// would return a real error for an intentional shutdown.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
