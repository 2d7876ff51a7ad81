package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/protocol"
)

// watchWriteTimeout bounds how long a single push to a watch client may
// take before that client is dropped.
const watchWriteTimeout = 5 * time.Second

// watchHub fans a NotifyConflict call out to every connected watch client
// as a JSON line (SPEC_FULL.md §4.7: "additive to the §4.7 request/reply
// protocol, never a replacement for it"). A slow or absent subscriber never
// blocks the reconciliation worker that calls NotifyConflict.
type watchHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[chan []byte]struct{})}
}

// NotifyConflict implements reconcile.ConflictNotifier.
func (h *watchHub) NotifyConflict(rec model.ConflictRecord) {
	payload, err := protocol.EncodeConflictJSON(rec)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- payload:
		default: // subscriber isn't keeping up; drop this event for it
		}
	}
}

func (h *watchHub) subscribe() chan []byte {
	ch := make(chan []byte, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *watchHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ListenWatch opens an HTTP server at address serving the websocket watch
// endpoint, active only when `server.enable_watch` is set (spec
// SPEC_FULL.md §4.7). It runs until ctx is cancelled.
func (s *Server) ListenWatch(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", s.watch.serveHTTP(s.logger))

	httpServer := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (h *watchHub) serveHTTP(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("watch: accepting connection failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow() //nolint:errcheck

		ch := h.subscribe()
		defer h.unsubscribe(ch)

		ctx := r.Context()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return
			case payload := <-ch:
				writeCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, payload)
				cancel()

				if err != nil {
					logger.Debug("watch: write failed, dropping client", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}
