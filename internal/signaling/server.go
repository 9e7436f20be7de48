// Package signaling is the HTTP front door of the gateway: browsers POST
// a WebRTC offer and receive the answer in the same round trip, and
// operators read component counters from /status.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// maxOfferBytes bounds the accepted offer body.
const maxOfferBytes = 1 << 20

// Admitter performs the offer/answer exchange for one new peer.
type Admitter interface {
	Admit(ctx context.Context, offerSDP string) (answerSDP string, err error)
}

// StatusProvider returns a JSON-marshalable snapshot of gateway counters.
type StatusProvider interface {
	Status() any
}

// Config configures a Server.
type Config struct {
	// ListenAddr is the address to bind, e.g. ":8787".
	ListenAddr string

	// Admit handles incoming offers.
	Admit Admitter

	// Status supplies the /status snapshot. If nil, /status returns an
	// empty object.
	Status StatusProvider

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server is the signaling HTTP server.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux
}

// sdpMessage is the offer/answer wire format.
type sdpMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// NewServer creates a Server and installs its routes.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: log.With("component", "signaling"),
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("/offer", s.handleOffer)
	s.mux.HandleFunc("/status", s.handleStatus)
	return s
}

// Handler returns the route multiplexer. Exposed for tests and for
// embedding under an outer server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down with a 5s grace
// period. A bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding signaling listener on %s: %w", s.cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("signaling server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down signaling server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("signaling server: %w", err)
	}
}

// handleOffer accepts {type: "offer", sdp} and answers {type: "answer",
// sdp} once ICE gathering completes, so the browser needs no trickle
// channel.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var offer sdpMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offer body")
		return
	}
	if offer.Type != "offer" || offer.SDP == "" {
		writeError(w, http.StatusBadRequest, "body must be {type: \"offer\", sdp}")
		return
	}

	answer, err := s.cfg.Admit.Admit(r.Context(), offer.SDP)
	if err != nil {
		s.log.Warn("peer admission failed", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sdpMessage{Type: "answer", SDP: answer}); err != nil {
		s.log.Error("writing answer", "error", err)
	}
}

// handleStatus returns the counter snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	var snapshot any = struct{}{}
	if s.cfg.Status != nil {
		snapshot = s.cfg.Status.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.log.Error("writing status", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
