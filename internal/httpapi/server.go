package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/attachment"
	"github.com/ent0n29/medintel/internal/bridge"
	"github.com/ent0n29/medintel/internal/config"
	"github.com/ent0n29/medintel/internal/fanout"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/observability"
	"github.com/ent0n29/medintel/internal/pipeline"
	"github.com/ent0n29/medintel/internal/store"
)

// Turns is the conversation surface the HTTP and websocket handlers drive.
type Turns interface {
	ProcessTurn(ctx context.Context, in pipeline.TurnInput) (pipeline.TurnResult, error)
	ChangeLanguage(ctx context.Context, conversationID, raw string) (language.Language, string, error)
	CreateConversation(ctx context.Context, userID, rawLanguage string) (store.Conversation, error)
	Conversation(ctx context.Context, id string) (store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	Messages(ctx context.Context, conversationID string) ([]store.Message, error)
	Conversations(ctx context.Context, userID string) ([]store.Conversation, error)
}

type Server struct {
	cfg         config.Config
	turns       Turns
	registry    *fanout.Registry
	bridge      *bridge.Service
	attachments *attachment.Processor
	metrics     *observability.Metrics
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
	static      http.Handler
}

type Deps struct {
	Turns       Turns
	Registry    *fanout.Registry
	Bridge      *bridge.Service
	Attachments *attachment.Processor
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	attachments := deps.Attachments
	if attachments == nil {
		attachments = attachment.NewProcessor(cfg.MaxUploadBytes, nil)
	}
	return &Server{
		cfg:         cfg,
		turns:       deps.Turns,
		registry:    deps.Registry,
		bridge:      deps.Bridge,
		attachments: attachments,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "httpapi").Logger(),
		static:      newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.cfg.CORSOrigins))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/chat", func(r chi.Router) {
		r.Post("/session", s.handleCreateConversation)
		r.Get("/session/{id}", s.handleGetConversation)
		r.Delete("/session/{id}", s.handleDeleteConversation)
		r.Get("/session/{id}/messages", s.handleListMessages)
		r.Get("/sessions/{userID}", s.handleListConversations)
		r.Post("/message", s.handleSendMessage)
		r.Post("/upload", s.handleUpload)
		r.Post("/language/{id}", s.handleChangeLanguage)
	})
	r.Get("/v1/languages", s.handleListLanguages)

	r.Post("/v1/whatsapp/send", s.handleWhatsAppSend)
	r.Post("/v1/whatsapp/incoming", s.handleWhatsAppIncoming)

	r.Get("/ws/{conversationID}", s.handleConversationWS)

	return r
}

// corsHandler allows browser clients served from the listed origins. "*" allows
// any origin without credentials.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_driver":    s.cfg.StoreDriver,
		"bridge_enabled":  s.bridge.Enabled(),
		"generation_mode": s.generationMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	observers := 0
	if s.registry != nil {
		observers = len(s.registry.Conversations())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                 "ready",
		"observed_conversations": observers,
	})
}

func (s *Server) generationMode() string {
	if strings.TrimSpace(s.cfg.GeminiAPIKey) == "" {
		return "mock"
	}
	return "gemini"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

const writeWait = 10 * time.Second
