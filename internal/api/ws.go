package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/docserve/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS middleware in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleStatusWS streams task status updates. The first frame is a
// connection message carrying the current status; every subsequent
// update is pushed as it happens, and the connection closes after the
// terminal one.
func (h *Handler) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatAPI, "websocket upgrade failed", err, "task_id", taskID)
		return
	}
	defer conn.Close()

	// Unknown tasks are reported on the socket itself, not as an HTTP
	// error on the handshake.
	st, err := h.orch.TaskStatus(r.Context(), taskID, 0)
	if err != nil {
		_ = writeWS(conn, WebsocketMessage{Message: WSMessageError, Error: "Task not found."})
		return
	}

	updates, cancel, err := h.orch.Subscribe(taskID)
	if err != nil {
		_ = writeWS(conn, WebsocketMessage{Message: WSMessageError, Error: "Task not found."})
		return
	}
	defer cancel()

	current := statusResponse(st)
	if err := writeWS(conn, WebsocketMessage{Message: WSMessageConnection, Task: &current}); err != nil {
		return
	}
	if st.Status.IsCompleted() {
		return
	}

	// Every client frame elicits a fresh status send; readDone ends the
	// loop when the client goes away.
	frames := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case frames <- struct{}{}:
			default:
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case <-frames:
			st, err := h.orch.TaskStatus(r.Context(), taskID, 0)
			if err != nil {
				_ = writeWS(conn, WebsocketMessage{Message: WSMessageError, Error: "task deleted"})
				return
			}
			resp := statusResponse(st)
			if err := writeWS(conn, WebsocketMessage{Message: WSMessageUpdate, Task: &resp}); err != nil {
				return
			}
			if st.Status.IsCompleted() {
				return
			}
		case update, ok := <-updates:
			if !ok {
				_ = writeWS(conn, WebsocketMessage{Message: WSMessageError, Error: "task deleted"})
				return
			}
			resp := statusResponse(update)
			if err := writeWS(conn, WebsocketMessage{Message: WSMessageUpdate, Task: &resp}); err != nil {
				return
			}
			if update.Status.IsCompleted() {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, msg WebsocketMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := conn.WriteJSON(msg)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug(log.CatAPI, "websocket write failed", "error", err)
	}
	return err
}
