package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/guard"
)

const (
	// SyncEndpoint is the collector path for the command channel.
	SyncEndpoint = "/sync"

	// DefaultResultQueue bounds the results waiting for the next poll.
	DefaultResultQueue = 1000

	syncTask = "sync"
)

// DispatchFunc runs one command received from the collector.
type DispatchFunc func(ctx context.Context, q devtoolsrelay.Query)

type syncRequest struct {
	CommandResults []devtoolsrelay.TerminalResult `json:"command_results"`
}

type syncResponse struct {
	Commands []devtoolsrelay.Query `json:"commands"`
}

// SyncClient carries command results to the collector and commands back.
// Results are queued by QueueCommandResult and piggyback on the next poll.
type SyncClient struct {
	client   *Client
	dispatch DispatchFunc
	logger   *slog.Logger
	capacity int

	mu      sync.Mutex
	pending []devtoolsrelay.TerminalResult
	dropped int

	wg sync.WaitGroup
}

// SyncOption configures a SyncClient.
type SyncOption func(*SyncClient)

// WithSyncLogger sets the logger.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *SyncClient) {
		s.logger = logger
	}
}

// WithResultQueue sets the pending result bound.
func WithResultQueue(n int) SyncOption {
	return func(s *SyncClient) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// NewSyncClient creates a sync client. dispatch may be set later with
// SetDispatch, before the first poll.
func NewSyncClient(client *Client, dispatch DispatchFunc, opts ...SyncOption) *SyncClient {
	s := &SyncClient{
		client:   client,
		dispatch: dispatch,
		logger:   slog.Default(),
		capacity: DefaultResultQueue,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sync")
	return s
}

// SetDispatch sets the command handler.
func (s *SyncClient) SetDispatch(dispatch DispatchFunc) {
	s.mu.Lock()
	s.dispatch = dispatch
	s.mu.Unlock()
}

// QueueCommandResult queues r for the next poll. When the queue is full
// the oldest result is dropped.
func (s *SyncClient) QueueCommandResult(r devtoolsrelay.TerminalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, r)
	if over := len(s.pending) - s.capacity; over > 0 {
		s.pending = s.pending[over:]
		s.dropped += over
		s.logger.Warn("command result queue full, dropping oldest", "dropped", over)
	}
}

// Pending returns the queued results without removing them.
func (s *SyncClient) Pending() []devtoolsrelay.TerminalResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]devtoolsrelay.TerminalResult(nil), s.pending...)
}

// Dropped returns how many results were lost to the queue bound.
func (s *SyncClient) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Poll sends the queued results and dispatches the returned commands.
// Results are put back at the head of the queue when the request fails.
func (s *SyncClient) Poll(ctx context.Context) error {
	s.mu.Lock()
	dispatch := s.dispatch
	s.mu.Unlock()
	return s.exchange(ctx, dispatch)
}

// Drain waits for dispatched commands to return, then delivers their
// results in one last exchange. Commands received by that exchange are not
// run. Results still queued when it fails are reported as discarded.
func (s *SyncClient) Drain(ctx context.Context) error {
	s.Wait()

	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n == 0 {
		return nil
	}

	if err := s.exchange(ctx, nil); err != nil {
		s.mu.Lock()
		lost := len(s.pending)
		s.pending = nil
		s.dropped += lost
		s.mu.Unlock()
		s.logger.Warn("discarding undelivered command results", "count", lost, "error", err)
		return err
	}
	s.logger.Debug("delivered final command results", "count", n)
	return nil
}

func (s *SyncClient) exchange(ctx context.Context, dispatch DispatchFunc) error {
	s.mu.Lock()
	results := s.pending
	s.pending = nil
	s.mu.Unlock()

	body, err := json.Marshal(syncRequest{CommandResults: nonNil(results)})
	if err != nil {
		s.requeue(results)
		return fmt.Errorf("encoding sync request: %w", err)
	}

	var resp syncResponse
	if err := s.client.post(ctx, SyncEndpoint, body, &resp); err != nil {
		s.requeue(results)
		return fmt.Errorf("sync: %w", err)
	}

	if len(results) > 0 || len(resp.Commands) > 0 {
		s.logger.Debug("sync complete", "results_sent", len(results), "commands", len(resp.Commands))
	}
	if dispatch == nil {
		if len(resp.Commands) > 0 {
			s.logger.Warn("received commands with no dispatcher", "commands", len(resp.Commands))
		}
		return nil
	}

	dctx := context.WithoutCancel(ctx)
	for _, q := range resp.Commands {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			dispatch(dctx, q)
		}()
	}
	return nil
}

// Start schedules Poll every interval on g. A poll still running when the
// next tick fires causes that tick to be skipped.
func (s *SyncClient) Start(g *guard.Guard, interval time.Duration) {
	g.Start(syncTask, func(ctx context.Context) {
		_, err := g.RunExclusive(ctx, syncTask, s.Poll)
		if err != nil {
			s.logger.Debug("sync poll failed", "error", err)
		}
	}, interval)
}

// Wait blocks until commands dispatched by earlier polls have returned.
func (s *SyncClient) Wait() {
	s.wg.Wait()
}

func (s *SyncClient) requeue(results []devtoolsrelay.TerminalResult) {
	if len(results) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(results, s.pending...)
	if over := len(s.pending) - s.capacity; over > 0 {
		s.pending = s.pending[over:]
		s.dropped += over
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
