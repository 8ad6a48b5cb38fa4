package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"drivewatch/internal/model"
)

// HTTPLink accepts frames from a gateway over HTTP: POST /frames with either
// newline-separated text frames or a JSON array of frames.
type HTTPLink struct {
	linkBase
	addr string

	mu     sync.Mutex
	ctx    context.Context
	out    chan<- model.Notification
	server *http.Server
	ln     net.Listener
}

func NewHTTPLink(addr string, base linkBase) *HTTPLink {
	if addr == "" {
		addr = ":9101"
	}
	return &HTTPLink{linkBase: base, addr: addr}
}

func (h *HTTPLink) Name() string { return "http" }

func (h *HTTPLink) Listen() (net.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return nil, err
	}
	h.ln = ln
	return ln.Addr(), nil
}

func (h *HTTPLink) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", h.handleFrames)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (h *HTTPLink) Run(ctx context.Context, out chan<- model.Notification) error {
	addr, err := h.Listen()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.ctx = ctx
	h.out = out
	h.server = &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	server, ln := h.server, h.ln
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("http frame link listening", "addr", addr.String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return linkLost(h.Name(), err)
	}
}

func (h *HTTPLink) sink() (context.Context, chan<- model.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx, h.out
}

func (h *HTTPLink) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, out := h.sink()
	if out == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var lines []string
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, raw := range list {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				lines = append(lines, s)
				continue
			}
			lines = append(lines, string(raw))
		}
	} else {
		lines = strings.Split(string(trim), "\n")
	}

	accepted, failed := 0, 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n, err := h.parser.ParseLine(line)
		if err != nil {
			h.malformed(err, line, h.Name())
			failed++
			continue
		}
		if !Send(ctx, out, *n) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}
