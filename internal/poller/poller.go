package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"softphone-bridge/internal/calls"
	"softphone-bridge/internal/callstate"
)

const DefaultInterval = 2 * time.Second

// Fetcher reads the server's cached status for a call.
type Fetcher interface {
	CallStatus(ctx context.Context, callID string) (calls.StatusRecord, error)
}

// Sink receives poll results. *callstate.Machine satisfies it.
type Sink interface {
	Dispatch(ev callstate.Event) callstate.Result
	Active() bool
}

type Options struct {
	Fetcher   Fetcher
	Sink      Sink
	Scheduler callstate.Scheduler
	Interval  time.Duration
	Logger    *slog.Logger
}

// Poller is the degraded path for status delivery: while a call is active it
// asks the server on a fixed interval and feeds the answer to the state machine.
type Poller struct {
	fetch    Fetcher
	sink     Sink
	sched    callstate.Scheduler
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	callID   string
	run      uint64
	ticker   callstate.Stopper
	inflight bool
}

func New(opts Options) *Poller {
	p := &Poller{
		fetch:    opts.Fetcher,
		sink:     opts.Sink,
		sched:    opts.Scheduler,
		interval: opts.Interval,
		log:      opts.Logger,
	}
	if p.sched == nil {
		p.sched = callstate.WallClock{}
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Start polls callID until the call ends or Stop is called. Starting again
// replaces the previous call.
func (p *Poller) Start(callID string) {
	if callID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.run++
	p.callID = callID
	run := p.run
	p.ticker = p.sched.Every(p.interval, func() { p.tick(run) })
	p.log.Debug("status polling started", "call_sid", callID, "interval", p.interval.String())
}

// Stop is idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticker != nil
}

func (p *Poller) stopLocked() {
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	p.ticker = nil
	p.log.Debug("status polling stopped", "call_sid", p.callID)
}

// stopRun stops only if run is still the current one.
func (p *Poller) stopRun(run uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == run {
		p.stopLocked()
	}
}

func (p *Poller) tick(run uint64) {
	p.mu.Lock()
	if p.run != run || p.ticker == nil {
		p.mu.Unlock()
		return
	}
	if !p.sink.Active() {
		p.stopLocked()
		p.mu.Unlock()
		return
	}
	if p.inflight {
		p.mu.Unlock()
		p.log.Debug("status poll skipped, previous request in flight", "call_sid", p.callID)
		return
	}
	p.inflight = true
	callID := p.callID
	p.mu.Unlock()

	go p.poll(run, callID)
}

func (p *Poller) poll(run uint64, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	rec, err := p.fetch.CallStatus(ctx, callID)

	p.mu.Lock()
	p.inflight = false
	current := p.run == run && p.ticker != nil
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("status poll failed", "call_sid", callID, "err", err)
		return
	}
	if !current {
		return
	}

	p.sink.Dispatch(callstate.Event{
		Kind:      callstate.EventRemoteStatus,
		Source:    callstate.SourcePoll,
		CallID:    callID,
		RawStatus: string(rec.Status),
	})

	if calls.NormalizeStatus(string(rec.Status)).IsTerminal() || !p.sink.Active() {
		p.stopRun(run)
	}
}
