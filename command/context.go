package command

import (
	"log/slog"
	"sync/atomic"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
)

// ResultSink receives terminal results for delivery to the collector.
type ResultSink interface {
	QueueCommandResult(r devtoolsrelay.TerminalResult)
}

// Context is what a handler sees of its query.
type Context struct {
	Query devtoolsrelay.Query

	// SyncClient is the sink the query's result is delivered to. It is
	// nil for queries answered directly over HTTP.
	SyncClient ResultSink

	Logger *slog.Logger

	d         *Dispatcher
	attempted atomic.Bool
}

// SendResult settles the query with payload. It reports whether this call
// settled it; later calls are ignored.
func (c *Context) SendResult(payload any) bool {
	c.attempted.Store(true)
	return c.d.complete(c.Query.ID, Completed{Payload: payload})
}

// SendAsyncResult settles queryID (the handler's own query when empty)
// from an asynchronously reported status. A failure status is delivered
// as a complete result carrying {success:false, status, error, result}.
// A pending status does not settle the query.
//
// The result always goes to the sink the query was dispatched with. The
// client argument is accepted so two-stage handlers can pass their sync
// client through unchanged.
func (c *Context) SendAsyncResult(_ ResultSink, queryID, _ string, status string, result any, errMsg string) bool {
	if queryID == "" {
		queryID = c.Query.ID
	}
	if devtoolsrelay.NormalizeStatus(status) == "pending" {
		c.Logger.Debug("ignoring pending async status", "query_id", queryID)
		return false
	}
	if queryID == c.Query.ID {
		c.attempted.Store(true)
	}
	return c.d.complete(queryID, AsyncReported{Status: status, Result: result, Error: errMsg})
}
