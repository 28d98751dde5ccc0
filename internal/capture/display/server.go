// Package display serves the preview to browsers: a snapshot endpoint, a
// stats endpoint and a WebSocket feed that pulls at refresh cadence.
package display

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/preview"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/recorder"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

const (
	defaultRefresh = time.Second / 30
	defaultQuality = 75
	writeWait      = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local preview only
	},
}

// Provider is the capture side the server reads from. *coordinator.Coordinator
// implements it.
type Provider interface {
	Preview() *preview.Queue
	FrameRate() float64
	VideoFormat() (core.VideoFormatInfo, bool)
	Session() *recorder.Session
}

// Server renders preview frames over HTTP.
type Server struct {
	provider Provider
	logger   *slog.Logger
	refresh  time.Duration
	quality  int
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithRefresh sets how often WebSocket clients are offered a new frame.
func WithRefresh(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithQuality sets the JPEG quality of served frames.
func WithQuality(q int) Option {
	return func(s *Server) {
		if q > 0 && q <= 100 {
			s.quality = q
		}
	}
}

// NewServer builds the routes.
func NewServer(p Provider, opts ...Option) *Server {
	s := &Server{
		provider: p,
		refresh:  defaultRefresh,
		quality:  defaultQuality,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = util.ComponentLogger(s.logger, "display")

	s.mux.HandleFunc("/preview.jpg", s.handleSnapshot)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/", s.handleIndex)
	return s
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger, s.mux)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Preview server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "preview server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Preview server shutdown error", "error", err)
			_ = srv.Close()
		}
		return nil
	}
}

// encodeFrame renders f upright as JPEG.
func (s *Server) encodeFrame(f *preview.Frame) ([]byte, error) {
	img, err := f.Oriented()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode preview")
	}
	return buf.Bytes(), nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := s.provider.Preview().Latest()
	if !ok {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no frame captured yet"})
		return
	}
	defer f.Release()

	data, err := s.encodeFrame(f)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, preview.ErrNoPixels) {
			status = http.StatusUnsupportedMediaType
		}
		s.respondJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Failed to write snapshot", "error", err)
	}
}

// StatsResponse is the body of /stats.
type StatsResponse struct {
	FrameRate float64        `json:"frameRate"`
	Codec     string         `json:"codec,omitempty"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Preview   PreviewStats   `json:"preview"`
	Recording *RecordingInfo `json:"recording,omitempty"`
}

// PreviewStats mirrors preview.Stats.
type PreviewStats struct {
	Pushes uint64 `json:"pushes"`
	Pulls  uint64 `json:"pulls"`
	Drops  uint64 `json:"drops"`
	Stale  bool   `json:"stale"`
}

// RecordingInfo describes the active session.
type RecordingInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Path  string `json:"path"`
}

func (s *Server) stats() StatsResponse {
	ps := s.provider.Preview().Stats()
	resp := StatsResponse{
		FrameRate: s.provider.FrameRate(),
		Preview: PreviewStats{
			Pushes: ps.Pushes,
			Pulls:  ps.Pulls,
			Drops:  ps.Drops,
			Stale:  ps.Stale,
		},
	}
	if vf, ok := s.provider.VideoFormat(); ok {
		resp.Codec = vf.Codec.String()
		resp.Width = vf.Dimensions.Width
		resp.Height = vf.Dimensions.Height
	}
	if sess := s.provider.Session(); sess != nil {
		resp.Recording = &RecordingInfo{ID: sess.ID(), State: sess.State().String(), Path: sess.Path()}
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.stats())
}

// handleWebSocket pushes a JPEG whenever the preview slot holds a frame the
// client has not seen, checking once per refresh interval.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("Preview client connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.logger.Debug("Preview WebSocket read error", "error", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Info("Preview client disconnected", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
		}

		f, ok := s.provider.Preview().Latest()
		if !ok {
			continue
		}
		if f.Seq == lastSeq {
			f.Release()
			continue
		}
		lastSeq = f.Seq
		data, err := s.encodeFrame(f)
		f.Release()
		if err != nil {
			s.logger.Debug("Skipping undisplayable frame", "seq", lastSeq, "error", err)
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.logger.Debug("Failed to write preview frame", "error", err)
			return
		}
	}
}

const indexHTML = `<!doctype html>
<html><head><title>gcapture preview</title></head>
<body style="margin:0;background:#111;color:#ddd;font-family:sans-serif">
<img id="v" style="max-width:100vw;max-height:95vh;display:block;margin:auto">
<pre id="s" style="text-align:center"></pre>
<script>
const img = document.getElementById('v');
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.binaryType = 'blob';
ws.onmessage = (ev) => {
  const url = URL.createObjectURL(ev.data);
  img.onload = () => URL.revokeObjectURL(url);
  img.src = url;
};
setInterval(async () => {
  const r = await fetch('/stats');
  document.getElementById('s').textContent = JSON.stringify(await r.json());
}, 1000);
</script>
</body></html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(indexHTML)); err != nil {
		s.logger.Debug("Failed to write index page", "error", err)
	}
}

// respondJSON sends a JSON response with the given status code and data
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("Failed to write JSON response", "status", statusCode, "error", err)
	}
}
