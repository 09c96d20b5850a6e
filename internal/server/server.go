package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/delivery"
	"go.mau.fi/teams-agents/internal/reqctx"
	"go.mau.fi/teams-agents/internal/teams/model"
)

const maxBodySize = 1 << 20

type ReferenceStore interface {
	Ingest(ctx context.Context, activity *model.Activity) (*model.ConversationReference, error)
	GetByID(ctx context.Context, conversationID string) (*model.ConversationReference, error)
	List(ctx context.Context) ([]model.ConversationReference, error)
	Delete(ctx context.Context, conversationID string) error
}

// Messenger is satisfied by *delivery.Sender.
type Messenger interface {
	Send(ctx context.Context, req delivery.Request, payload delivery.Payload) delivery.Result
}

type Server struct {
	Store  ReferenceStore
	Sender Messenger
	// Token, when set, must be presented as a bearer token on every request.
	Token string
	// OnMessage is called in the background for every ingested message with a
	// request scope pointing at the inbound conversation.
	OnMessage func(ctx context.Context, activity *model.Activity)
	Log       zerolog.Logger

	router *mux.Router
}

func New(store ReferenceStore, sender Messenger, token string, log zerolog.Logger) *Server {
	s := &Server{Store: store, Sender: sender, Token: token, Log: log}
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/messages", s.handleMessages).Methods(http.MethodPost)
	api.HandleFunc("/proactive", s.handleProactive).Methods(http.MethodPost)
	api.HandleFunc("/references", s.handleListReferences).Methods(http.MethodGet)
	api.HandleFunc("/references/{id}", s.handleGetReference).Methods(http.MethodGet)
	api.HandleFunc("/references/{id}", s.handleDeleteReference).Methods(http.MethodDelete)
	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is canceled and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Log.Info().Str("listen", addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var activity model.Activity
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&activity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid activity JSON")
		return
	}
	log := s.Log.With().
		Str("activity_type", activity.Type).
		Str("conversation_id", activity.Conversation.ID).
		Logger()
	ref, err := s.Store.Ingest(r.Context(), &activity)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to store conversation reference")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Debug().Str("user_aad_id", ref.UserAADID).Msg("Stored conversation reference")

	if s.OnMessage != nil && activity.Type == model.ActivityTypeMessage {
		ctx := reqctx.With(context.WithoutCancel(r.Context()), reqctx.Scope{
			Role:           activity.Recipient.Role,
			ConversationID: ref.ConversationID,
			ServiceURL:     ref.ServiceURL,
			TenantID:       ref.TenantID,
		})
		go s.OnMessage(ctx, &activity)
	}
	w.WriteHeader(http.StatusAccepted)
}

type proactiveRequest struct {
	To             string `json:"to"`
	Text           string `json:"text"`
	Markdown       bool   `json:"markdown,omitempty"`
	ServiceURL     string `json:"serviceUrl,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type proactiveResponse struct {
	delivery.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleProactive(w http.ResponseWriter, r *http.Request) {
	var body proactiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request JSON")
		return
	}
	req := delivery.Request{To: body.To, ServiceURL: body.ServiceURL, TenantID: body.TenantID}
	if body.ConversationID != "" {
		req.Metadata = map[string]string{delivery.MetaConversationID: body.ConversationID}
	}
	res := s.Sender.Send(r.Context(), req, delivery.Payload{Text: body.Text, Markdown: body.Markdown})
	resp := proactiveResponse{Result: res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, statusForReason(res), resp)
}

func statusForReason(res delivery.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.Reason {
	case delivery.ReasonInvalidPayload:
		return http.StatusBadRequest
	case delivery.ReasonDeliveryTargetUnresolved:
		return http.StatusNotFound
	case delivery.ReasonConfigurationMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	refs, err := s.Store.List(r.Context())
	if err != nil {
		s.Log.Err(err).Msg("Failed to list conversation references")
		writeError(w, http.StatusInternalServerError, "failed to list references")
		return
	}
	if refs == nil {
		refs = []model.ConversationReference{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": refs})
}

func (s *Server) handleGetReference(w http.ResponseWriter, r *http.Request) {
	ref, err := s.Store.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load reference")
		return
	} else if ref == nil {
		writeError(w, http.StatusNotFound, "reference not found")
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleDeleteReference(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete reference")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
