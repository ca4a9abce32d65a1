package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reelay/internal/store"
	"reelay/internal/version"
)

const defaultMessageLimit = 200

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

type healthDatabase struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Chats     int64  `json:"chats"`
	Messages  int64  `json:"messages"`
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Database  healthDatabase `json:"database"`
}

// handleHealth reports server liveness and database reachability. Degraded
// health answers 503 so load balancers stop routing here.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.Info(),
		Uptime:    time.Since(g.startedAt).Round(time.Second).String(),
		Database:  healthDatabase{Connected: true},
	}

	if err := g.store.DB().Ping(); err != nil {
		resp.Status = "degraded"
		resp.Database.Connected = false
		resp.Database.Error = err.Error()
	} else if chats, messages, err := g.store.Counts(); err == nil {
		resp.Database.Chats = chats
		resp.Database.Messages = messages
	}

	w.Header().Set("Cache-Control", "no-cache")
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleChats serves the chat collection: list, create, and delete-all.
func (g *Gateway) handleChats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		chats, err := g.store.ListChats()
		if err != nil {
			g.logger.Printf("[API] Failed to list chats: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to list chats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chats": chats,
			"count": len(chats),
		})

	case http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if r.Body != nil {
			// An empty body means an untitled chat.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		chat, err := g.store.CreateChat(body.Title)
		if err != nil {
			g.logger.Printf("[API] Failed to create chat: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to create chat")
			return
		}
		writeJSON(w, http.StatusCreated, chat)

	case http.MethodDelete:
		deleted, err := g.store.DeleteAllChats()
		if err != nil {
			g.logger.Printf("[API] Failed to delete chats: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete chats")
			return
		}
		g.dropAllSessions("chat deleted")
		g.logger.Printf("[API] Deleted all chats (%d)", deleted)
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET, POST, or DELETE")
	}
}

// handleChatByID serves a single chat: detail with recent messages, and
// deletion.
func (g *Gateway) handleChatByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/chats/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	switch r.Method {
	case http.MethodGet:
		chat, err := g.store.GetChat(id)
		if errors.Is(err, store.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "no such chat")
			return
		}
		if err != nil {
			g.logger.Printf("[API] Failed to get chat %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to get chat")
			return
		}
		messages, err := g.store.Messages(id, messageLimit(r))
		if err != nil {
			g.logger.Printf("[API] Failed to load messages for chat %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load messages")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chat":     chat,
			"messages": messages,
		})

	case http.MethodDelete:
		if _, err := g.store.GetChat(id); errors.Is(err, store.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "no such chat")
			return
		}
		if err := g.store.DeleteChat(id); err != nil {
			g.logger.Printf("[API] Failed to delete chat %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete chat")
			return
		}
		g.dropSession(id, "chat deleted")
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

// handleMessages serves a chat's message history and supports clearing it.
// The chat comes from the chatId query parameter, defaulting to the most
// recently active chat.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	chat, err := g.resolveChat(r.URL.Query().Get("chatId"))
	if errors.Is(err, store.ErrChatNotFound) {
		writeError(w, http.StatusNotFound, "chat_not_found", "no such chat")
		return
	}
	if err != nil {
		g.logger.Printf("[API] Failed to resolve chat: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve chat")
		return
	}

	switch r.Method {
	case http.MethodGet:
		messages, err := g.store.Messages(chat.ID, messageLimit(r))
		if err != nil {
			g.logger.Printf("[API] Failed to load messages for chat %s: %v", chat.ID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load messages")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chatId":   chat.ID,
			"messages": messages,
			"count":    len(messages),
		})

	case http.MethodDelete:
		if err := g.store.ClearMessages(chat.ID); err != nil {
			g.logger.Printf("[API] Failed to clear messages for chat %s: %v", chat.ID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear messages")
			return
		}
		g.notifyHistoryChanged(chat.ID)
		g.logger.Printf("[API] Cleared messages for chat %s", chat.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chatId":  chat.ID,
			"cleared": true,
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

// handleCheckpointApply rewinds a chat to a checkpoint. Attached clients
// learn about the rewrite through a history_changed envelope.
func (g *Gateway) handleCheckpointApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/checkpoints/")
	id, ok := strings.CutSuffix(rest, "/apply")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	cp, err := g.store.GetCheckpoint(id)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		writeError(w, http.StatusNotFound, "checkpoint_not_found", "no such checkpoint")
		return
	}
	if err != nil {
		g.logger.Printf("[API] Failed to get checkpoint %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get checkpoint")
		return
	}

	removed, err := g.store.ApplyCheckpoint(id)
	if errors.Is(err, store.ErrMessageNotFound) {
		writeError(w, http.StatusConflict, "checkpoint_unusable", "checkpoint anchor message no longer exists")
		return
	}
	if err != nil {
		g.logger.Printf("[API] Failed to apply checkpoint %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to apply checkpoint")
		return
	}

	g.notifyHistoryChanged(cp.ChatID)
	g.logger.Printf("[API] Applied checkpoint %s to chat %s, removed %d messages", id, cp.ChatID, removed)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpointId": id,
		"chatId":       cp.ChatID,
		"removed":      removed,
	})
}

// messageLimit parses the limit query parameter, clamped to a sane range.
func messageLimit(r *http.Request) int {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}
