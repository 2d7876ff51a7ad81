// Package server implements retcond's request/reply socket (spec §4.7): a
// single-threaded loop that validates, enqueues, or answers each request
// against the identifier store, plus an additive websocket conflict feed
// (SPEC_FULL.md §4.7).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/retcon-sync/retcon/internal/metrics"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/protocol"
	"github.com/retcon-sync/retcon/internal/reconcile"
	"github.com/retcon-sync/retcon/internal/store"
)

// requestTimeout bounds how long one request is allowed to take, including
// its synchronous store work, before the connection is dropped (spec §7:
// a server-side timeout surfaces as wire error code 0).
const requestTimeout = 30 * time.Second

// Server runs the request/reply loop described in spec §4.7. It holds no
// reconciliation state of its own: CHANGE enqueues a WorkItem for the
// worker pool, LIST_CONFLICTS and RESOLVE read/write the store directly.
type Server struct {
	store    *store.Store
	metrics  *metrics.Registry
	logger   *slog.Logger
	listener net.Listener
	watch    *watchHub
}

// New constructs a Server bound to nothing yet; call Listen to open the
// socket named by address (spec §6: `server.address = "tcp://host:port"`).
func New(st *store.Store, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{store: st, metrics: reg, logger: logger, watch: newWatchHub()}
}

// Listen opens the TCP listener at address, parsed as a "tcp://host:port"
// URL per spec §6.
func (s *Server) Listen(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("%w: parsing server address %q: %w", model.ErrConfigError, address, err)
	}

	lis, err := net.Listen("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("%w: listening on %q: %w", model.ErrConfigError, u.Host, err)
	}

	s.listener = lis

	return nil
}

// Addr returns the bound listener's address, for tests that listen on
// ":0" and need the chosen port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Notifier returns the hub that feeds the websocket watch endpoint, for
// wiring into reconcile.Params.Notifier at startup.
func (s *Server) Notifier() reconcile.ConflictNotifier {
	return s.watch
}

// Serve runs the single-threaded accept/request loop until ctx is
// cancelled, at which point it closes the listener and returns. Requests
// are handled one at a time, in the order received, across however many
// connections are accepted in sequence (spec §5: "the server thread is a
// single-threaded request loop").
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("%w: accepting connection: %w", model.ErrStoreUnavailable, err)
		}

		s.serveConn(ctx, conn)
	}
}

// serveConn runs the request/reply cycle for one connection until the peer
// closes it or a framing error forces the connection shut, then closes it.
// Never runs concurrently with another connection's requests or with the
// watch feed's reads of the store.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		conn.SetDeadline(time.Now().Add(requestTimeout))

		tag, body, err := protocol.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection closed", slog.String("error", err.Error()))
			}

			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		status, reply := s.dispatch(reqCtx, tag, body)
		cancel()

		if err := protocol.WriteReply(conn, status, reply); err != nil {
			s.logger.Warn("writing reply failed", slog.String("error", err.Error()))
			return
		}
	}
}

// dispatch routes one decoded request to its handler and converts any
// returned error to the wire error code (spec §7: "the server catches
// every error at the request boundary and converts it to the wire error
// code").
func (s *Server) dispatch(ctx context.Context, tag protocol.Tag, body []byte) (protocol.Status, []byte) {
	var (
		reply []byte
		err   error
	)

	switch tag {
	case protocol.TagListConflicts:
		reply, err = s.handleListConflicts(ctx)
	case protocol.TagChange:
		reply, err = s.handleChange(ctx, body)
	case protocol.TagResolve:
		reply, err = s.handleResolve(ctx, body)
	default:
		err = fmt.Errorf("%w: unknown request tag %d", protocol.ErrBadFraming, tag)
	}

	if err != nil {
		s.logger.Warn("request failed", slog.Int("tag", int(tag)), slog.String("error", err.Error()))

		return protocol.StatusError, []byte{byte(classifyRequestError(err))}
	}

	return protocol.StatusOK, reply
}

// classifyRequestError maps a handler error to the §4.7 error code.
func classifyRequestError(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrCodeTimeout
	case errors.Is(err, protocol.ErrBadFraming):
		return protocol.ErrCodeBadFraming
	case errors.Is(err, protocol.ErrDecodeFailure), errors.Is(err, model.ErrProtocolError), errors.Is(err, model.ErrConflictResolved):
		return protocol.ErrCodeDecodeFailure
	default:
		return protocol.ErrCodeUnknown
	}
}
