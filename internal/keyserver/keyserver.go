// Package keyserver mints short-lived realtime credentials and proxies the
// Responses API, so the long-lived API key never leaves the server.
//
// Routes:
//
//   - GET  /api/session/   creates a realtime session upstream and returns its
//     JSON, including client_secret.value.
//   - POST /api/responses  forwards the body to the Responses API with
//     streaming disabled.
//
// Both routes answer CORS preflight requests.
package keyserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/partyhost/internal/observe"
)

// DefaultModel is the realtime model sessions are created for.
const DefaultModel = "gpt-4o-realtime-preview-2025-06-03"

const maxBodyBytes = 1 << 20

// Option configures a [Server].
type Option func(*Server)

// WithBaseURL overrides the upstream API base URL. It must end in "/".
func WithBaseURL(url string) Option {
	return func(s *Server) { s.reqOpts = append(s.reqOpts, option.WithBaseURL(url)) }
}

// WithModel sets the realtime model. Default: [DefaultModel].
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithVoice sets the session voice. Empty leaves it to the upstream default.
func WithVoice(voice string) Option {
	return func(s *Server) { s.voice = voice }
}

// WithTimeout bounds each upstream request.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithMaxRetries sets how often failed upstream requests are retried.
func WithMaxRetries(n int) Option {
	return func(s *Server) { s.reqOpts = append(s.reqOpts, option.WithMaxRetries(n)) }
}

// Server holds the upstream client.
type Server struct {
	client  oai.Client
	model   string
	voice   string
	timeout time.Duration
	reqOpts []option.RequestOption
}

// New returns a Server authenticating upstream with apiKey.
func New(apiKey string, opts ...Option) (*Server, error) {
	if apiKey == "" {
		return nil, errors.New("keyserver: api key must not be empty")
	}
	s := &Server{
		model:   DefaultModel,
		timeout: 15 * time.Second,
		reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}
	for _, o := range opts {
		o(s)
	}
	s.client = oai.NewClient(s.reqOpts...)
	return s, nil
}

// Routes mounts the key server routes on r.
func (s *Server) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(cors)
		r.Get("/api/session/", s.session)
		r.Options("/api/session/", preflight)
		r.Post("/api/responses", s.responses)
		r.Options("/api/responses", preflight)
	})
}

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), observe.SpanKeySession, observe.Attr("model", s.model))
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out map[string]any
	err := s.client.Post(ctx, "realtime/sessions", sessionRequest{Model: s.model, Voice: s.voice}, &out)
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Error("keyserver: create session", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to create session"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) responses(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), observe.SpanKeyResponses)

	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		observe.EndSpan(span, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	body["stream"] = false

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out map[string]any
	err := s.client.Post(ctx, "responses", body, &out)
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Error("keyserver: responses proxy", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("keyserver: encode response", "err", err)
	}
}
