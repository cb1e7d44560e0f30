package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-agent/internal/store"
)

var (
	servePort        int
	serveIngestEvery time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if serveIngestEvery > 0 {
			go runIngestTicker(ctx, env, serveIngestEvery)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// runIngestTicker runs ingestion cycles on a fixed interval until ctx ends.
func runIngestTicker(ctx context.Context, env *appEnv, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := env.Runner.Run(ctx); err != nil {
				zap.L().Error("periodic ingestion failed", zap.Error(err))
			}
		}
	}
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/news", handleListNews(env))
		r.Delete("/news/{id}", handleDeleteNews(env))
		r.Post("/news/ingest", handleTriggerIngest(env))

		r.Get("/chat", handleListChats(env))
		r.Post("/chat", handleChatMessage(env))
		r.Get("/chat/{id}", handleChatHistory(env))
		r.Post("/chat/{id}", handleChatContinue(env))
		r.Delete("/chat/{id}", handleDeleteChat(env))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleListNews(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.NewsFilter{Limit: 50}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		if v := r.URL.Query().Get("source"); v != "" {
			filter.Source = v
		}
		if v := r.URL.Query().Get("indexed"); v != "" {
			indexed := v == "true"
			filter.Indexed = &indexed
		}

		articles, err := env.Store.ListNews(r.Context(), filter)
		if err != nil {
			zap.L().Error("list news failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list news failed")
			return
		}
		writeJSON(w, http.StatusOK, articles)
	}
}

func handleDeleteNews(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := env.Store.DeleteNews(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "news not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	}
}

// handleTriggerIngest starts an ingestion cycle in the background and returns
// immediately.
func handleTriggerIngest(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			report, err := env.Runner.Run(ctx)
			if err != nil {
				zap.L().Error("triggered ingestion failed", zap.Error(err))
				return
			}
			zap.L().Info("triggered ingestion complete",
				zap.Int("scraped", report.Scraped),
				zap.Int("indexed", report.Stats.Indexed),
			)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	ChatID   string `json:"chat_id"`
	Response string `json:"response"`
	Route    string `json:"route"`
}

// handleChatMessage creates a new chat thread and runs the first turn.
func handleChatMessage(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		title := req.Message
		if len(title) > 80 {
			title = title[:80]
		}
		chat, err := env.Store.CreateChat(r.Context(), title)
		if err != nil {
			zap.L().Error("create chat failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create chat failed")
			return
		}

		runChatTurn(env, w, r, chat.ID, req.Message)
	}
}

// handleChatContinue runs a turn against an existing chat thread.
func handleChatContinue(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := env.Store.GetChat(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		runChatTurn(env, w, r, id, req.Message)
	}
}

func runChatTurn(env *appEnv, w http.ResponseWriter, r *http.Request, chatID, message string) {
	state, err := env.Workflow.Run(r.Context(), chatID, message)
	if err != nil {
		zap.L().Error("workflow turn failed", zap.String("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	_ = env.Store.TouchChat(r.Context(), chatID)

	response := ""
	if len(state.Messages) > 0 {
		response = state.Messages[len(state.Messages)-1].Content
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ChatID:   chatID,
		Response: response,
		Route:    string(state.Route),
	})
}

func handleListChats(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chats, err := env.Store.ListChats(r.Context(), 100)
		if err != nil {
			zap.L().Error("list chats failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list chats failed")
			return
		}
		writeJSON(w, http.StatusOK, chats)
	}
}

// handleChatHistory returns the chat record and the checkpointed messages.
func handleChatHistory(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		chat, err := env.Store.GetChat(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}

		data, err := env.Store.LoadCheckpoint(r.Context(), id)
		if err != nil {
			zap.L().Error("load checkpoint failed", zap.String("chat_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load history failed")
			return
		}

		var messages json.RawMessage
		if len(data) > 0 {
			var state struct {
				Messages json.RawMessage `json:"messages"`
			}
			if err := json.Unmarshal(data, &state); err == nil {
				messages = state.Messages
			}
		}
		if messages == nil {
			messages = json.RawMessage("[]")
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"chat":     chat,
			"messages": messages,
		})
	}
}

func handleDeleteChat(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := env.Store.DeleteChat(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveIngestEvery, "ingest-every", 0, "run ingestion on this interval (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
