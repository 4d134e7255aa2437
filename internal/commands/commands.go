// Package commands lists the commands shipped with the gateway.
package commands

import (
	"github.com/rapigate/rapigate/internal/command"
	"github.com/rapigate/rapigate/internal/commands/chat"
	"github.com/rapigate/rapigate/internal/commands/echo"
)

// Options configures the shipped commands.
type Options struct {
	Chat chat.Config
}

// All returns every shipped command in registration order.
func All(opts Options) []command.Command {
	return []command.Command{
		echo.New(),
		chat.New(opts.Chat),
	}
}
