package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"softphone-bridge/internal/calls"
	"softphone-bridge/internal/publisher"
)

var (
	ErrInvalidArgument       = errors.New("relay: invalid argument")
	ErrProviderRequestFailed = errors.New("relay: provider request failed")
)

// StatusFetcher asks the provider for the authoritative status of a call.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, callID string) (calls.StatusRecord, error)
}

// Options configures a Relay. Cache defaults to a MemoryCache.
type Options struct {
	Cache   Cache
	Fetcher StatusFetcher

	// Mirror, when set, receives every ingested update under
	// <MirrorPrefix>/call/<callId>/status.
	Mirror       publisher.Publisher
	MirrorPrefix string

	Logger *slog.Logger
	Now    func() time.Time
}

// Relay ingests provider callbacks, keeps the status cache and fans updates
// out to subscribers of each call id.
type Relay struct {
	cache   Cache
	subs    *Registry
	fetcher StatusFetcher

	mirror       publisher.Publisher
	mirrorPrefix string

	log *slog.Logger
	now func() time.Time
}

func New(opts Options) *Relay {
	r := &Relay{
		cache:        opts.Cache,
		subs:         NewRegistry(),
		fetcher:      opts.Fetcher,
		mirror:       opts.Mirror,
		mirrorPrefix: strings.Trim(opts.MirrorPrefix, "/"),
		log:          opts.Logger,
		now:          opts.Now,
	}
	if r.cache == nil {
		r.cache = NewMemoryCache()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Ingest records a provider callback and publishes {callId, status} to the
// call's subscribers. Direction and duration left zero keep their cached values.
func (r *Relay) Ingest(ctx context.Context, rec calls.StatusRecord) error {
	if rec.CallID == "" {
		return fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}
	rec.Status = calls.NormalizeStatus(string(rec.Status))
	if rec.Status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidArgument)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}

	prev, ok, err := r.cache.Get(ctx, rec.CallID)
	if err != nil {
		r.log.Warn("status cache read failed", "call_sid", rec.CallID, "err", err)
	} else if ok {
		if rec.Direction == "" {
			rec.Direction = prev.Direction
		}
		if rec.DurationSeconds == 0 {
			rec.DurationSeconds = prev.DurationSeconds
		}
	}

	if err := r.cache.Put(ctx, rec); err != nil {
		return fmt.Errorf("relay: cache %s: %w", rec.CallID, err)
	}
	r.log.Debug("status ingested", "call_sid", rec.CallID, "status", rec.Status)

	r.publish(rec)
	r.mirrorUpdate(ctx, rec)
	return nil
}

// Get returns the cached record, or on a miss asks the provider, seeds the
// cache and republishes so late subscribers catch up.
func (r *Relay) Get(ctx context.Context, callID string) (calls.StatusRecord, error) {
	if callID == "" {
		return calls.StatusRecord{}, fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}

	rec, ok, err := r.cache.Get(ctx, callID)
	if err != nil {
		r.log.Warn("status cache read failed", "call_sid", callID, "err", err)
	} else if ok {
		return rec, nil
	}

	if r.fetcher == nil {
		return calls.StatusRecord{}, fmt.Errorf("%w: no provider configured", ErrProviderRequestFailed)
	}
	rec, err = r.fetcher.FetchStatus(ctx, callID)
	if err != nil {
		return calls.StatusRecord{}, fmt.Errorf("%w: %v", ErrProviderRequestFailed, err)
	}
	rec.CallID = callID
	rec.Status = calls.NormalizeStatus(string(rec.Status))
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}

	if err := r.cache.Put(ctx, rec); err != nil {
		r.log.Warn("status cache seed failed", "call_sid", callID, "err", err)
	}
	r.log.Debug("status fetched from provider", "call_sid", callID, "status", rec.Status)
	r.publish(rec)
	return rec, nil
}

// Subscribe joins s to the call's topic.
func (r *Relay) Subscribe(callID string, s Subscriber) {
	r.subs.Join(callID, s)
}

func (r *Relay) Unsubscribe(callID string, s Subscriber) {
	r.subs.Leave(callID, s)
}

func (r *Relay) UnsubscribeAll(s Subscriber) {
	r.subs.LeaveAll(s)
}

// Subscribers exposes the registry size for health output.
func (r *Relay) Subscribers() int {
	return r.subs.Topics()
}

// publish is fire-and-forget: dropped deliveries are logged, never retried.
func (r *Relay) publish(rec calls.StatusRecord) {
	u := Update{CallID: rec.CallID, Status: string(rec.Status)}
	for _, s := range r.subs.Subscribers(rec.CallID) {
		if !s.Deliver(u) {
			r.log.Warn("status update dropped", "call_sid", rec.CallID, "subscriber", s.ID())
		}
	}
}

type mirrorPayload struct {
	CallID          string `json:"callId"`
	Status          string `json:"status"`
	Direction       string `json:"direction,omitempty"`
	DurationSeconds int    `json:"durationSeconds"`
	Timestamp       string `json:"timestamp"`
}

func (r *Relay) mirrorUpdate(ctx context.Context, rec calls.StatusRecord) {
	if r.mirror == nil {
		return
	}
	payload, err := json.Marshal(mirrorPayload{
		CallID:          rec.CallID,
		Status:          string(rec.Status),
		Direction:       string(rec.Direction),
		DurationSeconds: rec.DurationSeconds,
		Timestamp:       rec.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.log.Warn("mirror encode failed", "call_sid", rec.CallID, "err", err)
		return
	}
	if err := r.mirror.Publish(ctx, MirrorTopic(r.mirrorPrefix, rec.CallID), payload); err != nil {
		r.log.Warn("mirror publish failed", "call_sid", rec.CallID, "err", err)
	}
}

// MirrorTopic is the MQTT topic carrying a call's status updates.
func MirrorTopic(prefix, callID string) string {
	if prefix == "" {
		return "call/" + callID + "/status"
	}
	return prefix + "/call/" + callID + "/status"
}
