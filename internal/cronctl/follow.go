package cronctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/edvin/sshcron/internal/model"
)

// ErrStreamEnded means the server closed the log stream before the
// execution reached a terminal status.
var ErrStreamEnded = errors.New("log stream ended before the execution finished")

// Follow streams an execution's output, copying stdout text to stdout and
// stderr text to stderr, and returns the final message.
func (c *Client) Follow(ctx context.Context, executionID string, stdout, stderr io.Writer) (*model.LogMessage, error) {
	url := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/api/v1/executions/" + executionID + "/logs"
	ws, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{Method: "GET", Path: "/api/v1/executions/" + executionID + "/logs", StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("connect log stream: %w", err)
	}
	defer ws.CloseNow()

	for {
		var msg model.LogMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				return nil, ErrStreamEnded
			}
			return nil, fmt.Errorf("read log stream: %w", err)
		}
		if msg.Output != "" {
			io.WriteString(stdout, msg.Output)
		}
		if msg.Error != "" {
			io.WriteString(stderr, msg.Error)
		}
		if msg.Final() {
			ws.Close(websocket.StatusNormalClosure, "")
			return &msg, nil
		}
	}
}
