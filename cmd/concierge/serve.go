package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"concierge/internal/logging"
	"concierge/internal/orchestrator"
)

const welcomeMessage = "Welcome! I'm an orchestrator that can help with your Microsoft 365 data " +
	"(emails, calendar, files, people) and general knowledge. Ask me anything!"

const helpMessage = `**Available Commands:**
- Ask questions about your Microsoft 365 data (emails, calendar, files, people)
- Ask general knowledge questions
- /help - Show this help message
- /logout - Clear your cached credentials

**Example Queries:**
- "What meetings do I have tomorrow?"
- "Summarize my recent emails"
- "What is Docker?"
- "What meetings do I have and what is Kubernetes?" (multi-intent)`

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return runServer(a)
	},
}

type queryRequest struct {
	SessionID          string `json:"session_id"`
	Assertion          string `json:"assertion,omitempty"`
	Text               string `json:"text"`
	ConversationHandle string `json:"conversation_handle,omitempty"`
}

type queryResponse struct {
	Text               string `json:"text"`
	ConversationHandle string `json:"conversation_handle,omitempty"`
	Status             string `json:"status"`
}

type server struct {
	app      *app
	upgrader websocket.Upgrader
	log      *logging.Logger
}

func runServer(a *app) error {
	log := logging.Get(logging.CategoryChannel)

	s := &server{
		app: a,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(a.cfg.Server.AllowedOrigins),
		},
		log: log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// originChecker allows same-host requests plus the configured origins. An
// entry of "*" disables the check.
func originChecker(allowed []string) func(*http.Request) bool {
	allowedSet := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		allowedSet[o] = true
	}

	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowedSet[origin] {
			return true
		}
		// Same-host origins are always acceptable.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out := s.app.orchestrator.Handle(r.Context(), orchestrator.Request{
		SessionID:  req.SessionID,
		Assertion:  req.Assertion,
		Text:       req.Text,
		ConvHandle: req.ConversationHandle,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(queryResponse{
		Text:               out.Text,
		ConversationHandle: out.ConvHandle,
		Status:             string(out.Status),
	})
}

// wsSession is the per-connection state: one session id, one conversation
// handle carried across turns.
type wsSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	handle    string
}

func (ws *wsSession) send(v queryResponse) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.conn.WriteJSON(v)
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess := &wsSession{
		conn:      conn,
		sessionID: uuid.NewString(),
	}
	s.log.Info("websocket session %s connected", sess.sessionID)
	defer s.log.Info("websocket session %s closed", sess.sessionID)

	_ = sess.send(queryResponse{Text: welcomeMessage, Status: string(orchestrator.StatusOK)})

	for {
		var req queryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket session %s read error: %v", sess.sessionID, err)
			}
			return
		}

		switch req.Text {
		case "/help":
			_ = sess.send(queryResponse{Text: helpMessage, Status: string(orchestrator.StatusOK)})
			continue
		case "/logout":
			s.app.vault.Clear(sess.sessionID)
			sess.handle = ""
			_ = sess.send(queryResponse{Text: "Signed out. Your cached credentials have been cleared.", Status: string(orchestrator.StatusOK)})
			continue
		}

		out := s.app.orchestrator.Handle(r.Context(), orchestrator.Request{
			SessionID:  sess.sessionID,
			Assertion:  req.Assertion,
			Text:       req.Text,
			ConvHandle: sess.handle,
		})
		sess.handle = out.ConvHandle

		if err := sess.send(queryResponse{
			Text:               out.Text,
			ConversationHandle: out.ConvHandle,
			Status:             string(out.Status),
		}); err != nil {
			return
		}
	}
}
