package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/delegate"
	"github.com/voxwire/voxwire/internal/history"
	"github.com/voxwire/voxwire/internal/observability"
)

// ErrDelegationTimeout reports that no result arrived before the deadline.
// The dispatcher converts it into a spoken failure turn; it never breaks
// the conversation.
var ErrDelegationTimeout = errors.New("delegation timed out")

const failureReply = "I couldn't reach that right now."

// Reconnector is the slice of the session manager the dispatcher needs:
// append turns to history and cut over to a fresh stream that replays them.
type Reconnector interface {
	ForceReconnect(ctx context.Context, injected ...history.Turn) error
}

// Dispatcher watches the model's outgoing text for delegation tags, runs
// each completed tag against the reasoning backend without blocking speech,
// and injects the eventual result back into the conversation through a
// forced reconnect. Results are matched to requests strictly by id; a
// result arriving after its deadline already synthesized a failure turn is
// discarded.
type Dispatcher struct {
	backend delegate.Backend
	timeout time.Duration
	metrics *observability.Metrics

	mu      sync.Mutex
	scanner *Scanner
	reconn  Reconnector
	decided map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(backend delegate.Backend, openMarker, closeMarker string, timeout time.Duration, metrics *observability.Metrics) (*Dispatcher, error) {
	scanner, err := NewScanner(openMarker, closeMarker)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, errors.New("delegation timeout must be positive")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		backend: backend,
		timeout: timeout,
		metrics: metrics,
		scanner: scanner,
		decided: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Bind attaches the session manager after construction. The dispatcher and
// the manager reference each other, so one side has to be wired late.
func (d *Dispatcher) Bind(r Reconnector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconn = r
}

// FilterAssistant consumes one outgoing text fragment and returns the part
// safe to record and forward. Completed tags start their delegation here.
func (d *Dispatcher) FilterAssistant(fragment string) string {
	d.mu.Lock()
	forward, prompts := d.scanner.Feed(fragment)
	d.mu.Unlock()

	for _, prompt := range prompts {
		if prompt == "" {
			continue
		}
		d.wg.Add(1)
		go d.run(prompt)
	}
	return forward
}

// TurnComplete marks a turn boundary. An accumulation still open at a turn
// boundary is malformed and silently abandoned.
func (d *Dispatcher) TurnComplete() { d.flushScanner() }

// StreamClosed marks the end of one wire connection.
func (d *Dispatcher) StreamClosed() { d.flushScanner() }

func (d *Dispatcher) flushScanner() {
	d.mu.Lock()
	_, err := d.scanner.Flush()
	d.mu.Unlock()
	if errors.Is(err, ErrMalformedTag) {
		d.metrics.IncMalformedTag()
	}
}

// Stop cancels in-flight delegations and waits for their goroutines.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

type delegationResult struct {
	text string
	err  error
}

func (d *Dispatcher) run(prompt string) {
	defer d.wg.Done()
	started := time.Now()

	submitCtx, cancel := context.WithTimeout(d.ctx, d.timeout)
	id, err := d.backend.Submit(submitCtx, prompt)
	cancel()
	if err != nil {
		d.metrics.IncDelegation("submit_error")
		d.inject(prompt, failureReply, history.RoleDelegate)
		return
	}

	// Await outlives the deadline on purpose: a late result must still be
	// observed so it can be counted and discarded, not matched.
	results := make(chan delegationResult, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		text, err := d.backend.Await(d.ctx, id)
		results <- delegationResult{text: text, err: err}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if !d.decide(id) {
			return
		}
		d.metrics.ObserveDelegationLatency(time.Since(started))
		d.metrics.ObserveStage(observability.StageDelegationTotal, time.Since(started))
		if res.err != nil {
			d.metrics.IncDelegation("error")
			d.inject(prompt, failureReply, history.RoleDelegate)
			return
		}
		d.metrics.IncDelegation("ok")
		d.inject(prompt, res.text, history.RoleDelegate)
	case <-timer.C:
		if !d.decide(id) {
			return
		}
		d.metrics.IncDelegation("timeout")
		// Keep draining so the result, if it ever lands, is counted as
		// discarded rather than matched.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-results:
				d.metrics.IncDelegation("late_discarded")
				d.metrics.MarkStage("delegation_late_result")
			case <-d.ctx.Done():
			}
		}()
		d.inject(prompt, failureReply, history.RoleDelegate)
	case <-d.ctx.Done():
		d.decide(id)
	}
}

// decide claims the single outcome slot for a request id. The first caller
// wins; everyone later discards.
func (d *Dispatcher) decide(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decided[id] {
		return false
	}
	d.decided[id] = true
	return true
}

func (d *Dispatcher) inject(prompt, reply, replyRole string) {
	d.mu.Lock()
	reconn := d.reconn
	d.mu.Unlock()
	if reconn == nil {
		return
	}

	ask := history.Turn{
		Role: history.RoleUser,
		Text: fmt.Sprintf("[Delegated to the reasoning backend: %s]", prompt),
	}
	answer := history.Turn{Role: replyRole, Text: reply}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := reconn.ForceReconnect(ctx, ask, answer); err != nil {
		d.metrics.IncDelegation("inject_failed")
	}
}
