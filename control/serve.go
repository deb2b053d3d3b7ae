// Package control exposes a running voice session over local HTTP so
// other tools can drive it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/room"
	"node.town/ragvoice/stt"
	"node.town/ragvoice/turn"
	"node.town/ragvoice/voice"
)

// Session is what the control API drives. *voice.Session implements it.
type Session interface {
	Snapshot() voice.Snapshot
	Transcript() *turn.Transcript
	Sources() *turn.Sources
	StartCall(ctx context.Context) error
	StopCall(ctx context.Context) error
	StartRecording() error
	StopRecording(ctx context.Context)
	SendText(ctx context.Context, text string) bool
	StopSpeaking()
	SetPrompt(ctx context.Context, prompt string) error
	Upload(ctx context.Context, filename string, r io.Reader) (int, error)
}

const maxUpload = 32 << 20

func NewRouter(s Session) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	Routes(r, s)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		var routes []string
		chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, method+" "+route)
			return nil
		})
		writeJSON(w, http.StatusOK, map[string][]string{"routes": routes})
	})
	return r
}

func Routes(r chi.Router, s Session) {
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot())
	})
	r.Get("/transcript", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.Transcript().Entries())
	})
	r.Get("/sources", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.Sources().Items())
	})

	r.Route("/call", func(r chi.Router) {
		r.Post("/start", handleAction(s.StartCall, s))
		r.Post("/stop", handleAction(s.StopCall, s))
	})
	r.Route("/recording", func(r chi.Router) {
		r.Post("/start", handleAction(func(context.Context) error {
			return s.StartRecording()
		}, s))
		r.Post("/stop", handleAction(func(ctx context.Context) error {
			s.StopRecording(ctx)
			return nil
		}, s))
	})
	r.Post("/speech/stop", handleAction(func(context.Context) error {
		s.StopSpeaking()
		return nil
	}, s))

	r.Post("/turn", handleTurn(s))
	r.Post("/prompt", handlePrompt(s))
	r.Post("/upload", handleUpload(s))
}

func handleAction(fn func(context.Context) error, s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Calls outlive the request that started them.
		ctx := context.WithoutCancel(r.Context())
		if err := fn(ctx); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}

type textRequest struct {
	Text   string `json:"text"`
	Prompt string `json:"prompt"`
}

func decode(r *http.Request) (textRequest, error) {
	var body textRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, nil
}

func handleTurn(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decode(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}
		if !s.SendText(context.WithoutCancel(r.Context()), body.Text) {
			http.Error(w, "a turn is already in flight", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusAccepted, s.Snapshot())
	}
}

func handlePrompt(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decode(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Prompt) == "" {
			http.Error(w, "prompt is required", http.StatusBadRequest)
			return
		}
		if err := s.SetPrompt(r.Context(), body.Prompt); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"prompt": body.Prompt})
	}
}

func handleUpload(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			http.Error(w, "Invalid multipart form", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file is required", http.StatusBadRequest)
			return
		}
		defer file.Close()

		n, err := s.Upload(r.Context(), header.Filename, file)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"chunks_indexed": n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrCallActive):
		return http.StatusConflict
	case errors.Is(err, stt.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, room.ErrTokenFetch),
		errors.Is(err, room.ErrTransportConnect),
		backend.IsRequestError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Serve runs the control API until ctx is done.
func Serve(ctx context.Context, port int, s Session, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	}
}
