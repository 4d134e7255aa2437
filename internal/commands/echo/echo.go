// Package echo implements the key-free test command.
package echo

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rapigate/rapigate/internal/command"
)

// DefaultMessage is returned when no message is supplied.
const DefaultMessage = "Hello from rapigate!"

// Result is the payload of a structured echo.
type Result struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Command echoes its message parameter.
type Command struct {
	now func() time.Time
}

// New creates the echo command.
func New() *Command {
	return &Command{now: time.Now}
}

// Describe implements command.Command.
func (c *Command) Describe() command.Definition {
	return command.Definition{
		Name:        "Test API",
		Description: "A simple test endpoint to verify the API system is working correctly.",
		Route:       "/test",
		Category:    "General",
		Params: map[string]command.Param{
			"message": {Type: command.ParamString},
			"raw":     {Type: command.ParamBool},
		},
		RequiresKey: command.Bool(false),
	}
}

// Invoke implements command.Command.
func (c *Command) Invoke(ctx context.Context, params command.Params) (any, error) {
	return c.result(params), nil
}

// InvokeHTTP writes a plain-text reply itself when raw=true.
func (c *Command) InvokeHTTP(ctx context.Context, params command.Params, w http.ResponseWriter) (any, error) {
	res := c.result(params)
	if !params.Bool("raw") {
		return res, nil
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := io.WriteString(w, res.Message)
	return nil, err
}

func (c *Command) result(params command.Params) Result {
	msg := params.String("message")
	if msg == "" {
		msg = DefaultMessage
	}
	return Result{
		Message:   msg,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	}
}
