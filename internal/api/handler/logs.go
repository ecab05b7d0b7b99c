package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/api/request"
	"github.com/edvin/sshcron/internal/api/response"
	"github.com/edvin/sshcron/internal/broadcast"
	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/model"
)

const logWriteTimeout = 10 * time.Second

type Logs struct {
	svc         *core.ExecutionService
	broadcaster *broadcast.Broadcaster
}

func NewLogs(svc *core.ExecutionService, broadcaster *broadcast.Broadcaster) *Logs {
	return &Logs{svc: svc, broadcaster: broadcaster}
}

// Stream upgrades to WebSocket and relays an execution's log messages as JSON
// frames. Finished executions get a single snapshot frame built from the
// stored record. The socket is closed normally after the final frame.
func (h *Logs) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger := zerolog.Ctx(r.Context()).With().Str("execution_id", id).Logger()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host when proxied through a UI.
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	// Clients only listen; CloseRead handles their close frame and cancels ctx.
	ctx := ws.CloseRead(r.Context())

	if exec.Terminal() {
		h.sendSnapshot(ctx, ws, exec, logger)
		return
	}

	sub := broadcast.NewChanSubscriber(h.broadcaster.SubscriberBufferSize())
	if err := h.broadcaster.Subscribe(id, sub); err != nil {
		if !errors.Is(err, broadcast.ErrUnknownExecution) {
			logger.Error().Err(err).Msg("subscribe failed")
			ws.Close(websocket.StatusInternalError, "subscribe failed")
			return
		}
		// Not running in this process: it finished and was retired, or it
		// was orphaned by a restart. The store has the last word.
		exec, err = h.svc.Get(ctx, id)
		if err != nil {
			ws.Close(websocket.StatusInternalError, "execution lookup failed")
			return
		}
		h.sendSnapshot(ctx, ws, exec, logger)
		return
	}
	defer h.broadcaster.Unsubscribe(id, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				// Dropped for falling behind, or the broadcaster shut down.
				ws.Close(websocket.StatusGoingAway, "stream ended")
				return
			}
			if err := writeMessage(ctx, ws, msg); err != nil {
				logger.Debug().Err(err).Msg("log stream write failed")
				return
			}
			if msg.Final() {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (h *Logs) sendSnapshot(ctx context.Context, ws *websocket.Conn, exec *model.Execution, logger zerolog.Logger) {
	msg := model.LogMessage{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Output:      exec.Output,
		Error:       exec.Error,
		EndTime:     exec.EndTime,
	}
	if err := writeMessage(ctx, ws, msg); err != nil {
		logger.Debug().Err(err).Msg("log snapshot write failed")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func writeMessage(ctx context.Context, ws *websocket.Conn, msg model.LogMessage) error {
	ctx, cancel := context.WithTimeout(ctx, logWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, msg)
}
