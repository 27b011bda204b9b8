// Package handlers registers the relay's built-in commands.
package handlers

import (
	"context"
	"errors"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/command"
	"github.com/wolfeidau/devtools-relay/script"
	"github.com/wolfeidau/devtools-relay/status"
)

// Command types registered by Register.
const (
	TypePing           = "ping"
	TypeGetStatus      = "get_status"
	TypeFailedCommands = "failed_commands"
	TypeExecuteJS      = "execute_js"
)

// DefaultScriptTimeout bounds a script when the query sets no timeout_ms.
const DefaultScriptTimeout = 10 * time.Second

const executeJSSchema = `{
  "type": "object",
  "required": ["script"],
  "properties": {
    "script": {"type": "string", "minLength": 1},
    "timeout_ms": {"type": "number", "minimum": 0}
  }
}`

// FailureHistory lists recent failed results, newest first.
type FailureHistory interface {
	FailedCommands() []devtoolsrelay.TerminalResult
}

// Deps are the collaborators the built-in handlers use. Nil fields
// disable the handlers that need them.
type Deps struct {
	Clock    clock.Clock
	Tracker  *status.Tracker
	History  FailureHistory
	Scripts  *script.Cache
	Executor Executor
}

// Register adds the built-in handlers to reg. execute_js is registered
// only when an Executor is configured.
func Register(reg *command.Registry, deps Deps) {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	reg.Register(TypePing, func(_ context.Context, c *command.Context) error {
		c.SendResult(map[string]any{
			"pong": true,
			"time": deps.Clock.Now().UTC().Format(time.RFC3339Nano),
		})
		return nil
	}, command.WithTimeout(5*time.Second))

	if deps.Tracker != nil {
		reg.Register(TypeGetStatus, func(_ context.Context, c *command.Context) error {
			c.SendResult(deps.Tracker.Get())
			return nil
		})
	}

	if deps.History != nil {
		reg.Register(TypeFailedCommands, func(_ context.Context, c *command.Context) error {
			failed := deps.History.FailedCommands()
			if n, ok := c.Query.Params.Number("limit"); ok && n >= 0 && int(n) < len(failed) {
				failed = failed[:int(n)]
			}
			c.SendResult(map[string]any{
				"commands": failed,
				"count":    len(failed),
			})
			return nil
		})
	}

	if deps.Executor != nil {
		scripts := deps.Scripts
		if scripts == nil {
			scripts = script.NewCache(script.WithClock(deps.Clock))
		}
		reg.Register(TypeExecuteJS, executeJS(scripts, deps.Executor), command.WithSchema(executeJSSchema))
	}
}

// executeJS reports both compile and executor failures through
// SendAsyncResult so the caller sees a structured failure rather than a
// bare error string.
func executeJS(scripts *script.Cache, exec Executor) command.Handler {
	return func(ctx context.Context, c *command.Context) error {
		q := c.Query
		src, _ := q.Params.String("script")

		compiled, err := scripts.Get(ctx, src)
		if err != nil {
			if errors.Is(err, script.ErrEmptyScript) || errors.Is(err, script.ErrTooLarge) {
				c.SendAsyncResult(c.SyncClient, q.ID, q.CorrelationID, "error", nil, err.Error())
				return nil
			}
			return err
		}

		timeout, ok := q.Params.Timeout()
		if !ok {
			timeout = DefaultScriptTimeout
		}

		res, err := exec.Execute(ctx, ExecRequest{
			QueryID: q.ID,
			TabID:   q.TabID,
			Script:  compiled,
			Timeout: timeout,
		})
		if err != nil {
			c.Logger.Warn("script execution failed", "error", err)
			c.SendAsyncResult(c.SyncClient, q.ID, q.CorrelationID, "error", nil, err.Error())
			return nil
		}

		st := res.Status
		if st == "" {
			st = string(devtoolsrelay.StatusComplete)
		}
		c.SendAsyncResult(c.SyncClient, q.ID, q.CorrelationID, st, res.Result, res.Error)
		return nil
	}
}
