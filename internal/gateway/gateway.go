// Package gateway adapts the orchestrator to websocket clients: inbound
// chat messages and confirmation actions in, presentation events out.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antonkrylov/shellbridge/internal/orchestrator"
)

// Outbound is one presentation event pushed to clients.
type Outbound struct {
	Type           string         `json:"type"`
	Message        string         `json:"message,omitempty"`
	Command        string         `json:"command,omitempty"`
	ServerName     string         `json:"serverName,omitempty"`
	HandleID       string         `json:"handleId,omitempty"`
	Output         string         `json:"output,omitempty"`
	ExitCode       *int           `json:"exitCode,omitempty"`
	ElapsedSeconds float64        `json:"elapsedSeconds,omitempty"`
	UpdateCount    int            `json:"updateCount,omitempty"`
	Servers        []serverChoice `json:"servers,omitempty"`
}

type serverChoice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Inbound is one client action.
type Inbound struct {
	Type     string `json:"type"` // message | confirm | cancel | modify | cancel_stream | stop_all
	Text     string `json:"text,omitempty"`
	HandleID string `json:"handleId,omitempty"`
}

type subscriber struct {
	requesterID string
	send        chan Outbound
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Hub fans presentation events out to every websocket subscribed for a
// requester id. It implements orchestrator.Presenter and is safe to call
// from stream pump goroutines.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[int64]*subscriber
	nextID int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = discardLogger
	}
	return &Hub{log: logger, subs: make(map[string]map[int64]*subscriber)}
}

func (h *Hub) register(requesterID string) (int64, *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	sub := &subscriber{requesterID: requesterID, send: make(chan Outbound, 256)}
	if h.subs[requesterID] == nil {
		h.subs[requesterID] = make(map[int64]*subscriber)
	}
	h.subs[requesterID][id] = sub
	return id, sub
}

func (h *Hub) unregister(requesterID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[requesterID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(h.subs, requesterID)
		}
	}
}

// publish delivers an event to every subscriber of requesterID. Slow
// consumers are skipped rather than blocking the producing goroutine.
func (h *Hub) publish(requesterID string, ev Outbound) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[requesterID]))
	for _, sub := range h.subs[requesterID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.send <- ev:
		default:
			h.log.Warn("dropping event for slow subscriber", "requester", requesterID, "type", ev.Type)
		}
	}
}

func (h *Hub) PresentConfirmationRequest(requesterID, command, serverName string) {
	h.publish(requesterID, Outbound{Type: "confirmation", Command: command, ServerName: serverName})
}

func (h *Hub) PresentProgress(requesterID, handleID, windowedOutput string, elapsed time.Duration, updateCount int) {
	h.publish(requesterID, Outbound{
		Type:           "progress",
		HandleID:       handleID,
		Output:         windowedOutput,
		ElapsedSeconds: elapsed.Seconds(),
		UpdateCount:    updateCount,
	})
}

func (h *Hub) PresentResult(requesterID string, res orchestrator.ExecResult) {
	code := res.ExitCode
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += res.Stderr
	}
	h.publish(requesterID, Outbound{
		Type:           "result",
		Command:        res.Command,
		ServerName:     res.ServerName,
		HandleID:       res.HandleID,
		Output:         out,
		ExitCode:       &code,
		ElapsedSeconds: res.Elapsed.Seconds(),
	})
}

func (h *Hub) PresentError(requesterID, message string) {
	h.publish(requesterID, Outbound{Type: "error", Message: message})
}

func (h *Hub) PresentCancelled(requesterID, handleID string, elapsed time.Duration) {
	h.publish(requesterID, Outbound{
		Type:           "cancelled",
		HandleID:       handleID,
		ElapsedSeconds: elapsed.Seconds(),
	})
}

func (h *Hub) PresentNotice(requesterID, message string) {
	h.publish(requesterID, Outbound{Type: "notice", Message: message})
}

func (h *Hub) PresentServerChoice(requesterID string, servers []orchestrator.ServerChoice) {
	choices := make([]serverChoice, 0, len(servers))
	for _, s := range servers {
		choices = append(choices, serverChoice{ID: s.ID, Name: s.Name, Connected: s.Connected})
	}
	h.publish(requesterID, Outbound{Type: "servers", Servers: choices})
}

// Server is the websocket endpoint. One connection serves one requester;
// its read loop processes that requester's actions in arrival order,
// which is what keeps confirmation state serialized per requester.
type Server struct {
	Hub   *Hub
	Orch  *orchestrator.Orchestrator
	Token string
	Log   *slog.Logger

	upgrader websocket.Upgrader
}

// Router exposes the websocket endpoint and a health probe.
func (s *Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = discardLogger
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && extractToken(r) != s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	requesterID := r.URL.Query().Get("requester")
	if requesterID == "" {
		http.Error(w, "requester query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID, sub := s.Hub.register(requesterID)
	defer s.Hub.unregister(requesterID, subID)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-sub.send:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}()

	ctx := r.Context()
	for {
		var msg Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.dispatch(ctx, requesterID, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, requesterID string, msg Inbound) {
	var err error
	switch msg.Type {
	case "message":
		err = s.Orch.HandleMessage(ctx, requesterID, msg.Text)
	case "confirm":
		err = s.Orch.Confirm(ctx, requesterID)
	case "cancel":
		err = s.Orch.Cancel(requesterID)
	case "modify":
		err = s.Orch.Modify(requesterID)
	case "cancel_stream":
		err = s.Orch.CancelStreaming(requesterID, msg.HandleID)
	case "stop_all":
		err = s.Orch.CancelAllStreaming(requesterID)
	default:
		s.Hub.PresentNotice(requesterID, "Unsupported action: "+msg.Type)
		return
	}
	// These errors already produced their own presentation event; log at
	// debug so one requester's failure stays inside their own flow.
	if err != nil {
		s.Log.Debug("action handled with error", "requester", requesterID, "type", msg.Type, "err", err)
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}
