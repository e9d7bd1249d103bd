// Package router implements the request/response correlation layer
// described in §4.7: each decrypted inbound request gets a single-shot
// reply channel keyed by request id, an inward event is emitted for the
// target extension handler, and the router waits on the channel with a
// per-extension timeout.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is used when no per-extension override applies.
const DefaultTimeout = 30 * time.Second

// MinTimeout is the floor a per-extension override is clamped to, so a
// misconfigured override can't starve a slow-but-legitimate extension
// handler of any time at all.
const MinTimeout = 5 * time.Second

// Emitter delivers a routed request to its target extension handler.
// Implementations emit onto whatever transport the handler is listening
// on (in this bridge, the events bus) and must not block past the
// router's own timeout.
type Emitter interface {
	EmitInwardRequest(req protocol.InwardRequest) error
}

// Metrics records router outcomes for internal/httpapi's Prometheus
// surface. Implementations must be safe for concurrent use; nil is a
// valid Router.metrics value and every call site checks for it.
type Metrics interface {
	RecordDispatch(extension string, latency time.Duration, outcome string)
}

type pendingResult struct {
	reply protocol.InwardReply
	err   error
}

// Router tracks in-flight requests awaiting an extension's response.
type Router struct {
	mu              sync.Mutex
	pending         map[string]chan pendingResult
	emitter         Emitter
	defaultTimeout  time.Duration
	extensionTimeout map[string]time.Duration
	metrics         Metrics
	log             *logrus.Entry
}

// SetMetrics attaches a Metrics sink. Safe to call once after New.
func (r *Router) SetMetrics(m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// New constructs a Router. extensionTimeouts maps extension name to a
// per-extension override; entries absent from the map use
// defaultTimeout (or DefaultTimeout if defaultTimeout is zero).
func New(emitter Emitter, defaultTimeout time.Duration, extensionTimeouts map[string]time.Duration, log *logrus.Entry) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Router{
		pending:          make(map[string]chan pendingResult),
		emitter:          emitter,
		defaultTimeout:   defaultTimeout,
		extensionTimeout: extensionTimeouts,
		log:              log.WithField("component", "router"),
	}
}

func (r *Router) timeoutFor(extension string) time.Duration {
	d := r.defaultTimeout
	if override, ok := r.extensionTimeout[extension]; ok && override > 0 {
		d = override
		if d < MinTimeout {
			d = MinTimeout
		}
	}
	return d
}

// Dispatch routes req to its extension handler and blocks until the
// handler calls Respond for the same request id, the timeout elapses, or
// the request is abandoned (handler connection died). requestID must be
// non-empty — callers are responsible for rejecting an inbound request
// with a missing or empty requestId before calling Dispatch, per §4.7's
// first rule.
func (r *Router) Dispatch(ctx context.Context, req protocol.InwardRequest, extension string) (protocol.InwardReply, error) {
	start := time.Now()
	ch := make(chan pendingResult, 1)

	r.mu.Lock()
	r.pending[req.RequestID] = ch
	r.mu.Unlock()

	if err := r.emitter.EmitInwardRequest(req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.RequestID)
		r.mu.Unlock()
		r.recordOutcome(extension, start, "emit_error")
		return protocol.InwardReply{}, err
	}

	timer := time.NewTimer(r.timeoutFor(extension))
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			r.recordOutcome(extension, start, outcomeFor(res.err))
			return protocol.InwardReply{}, res.err
		}
		r.recordOutcome(extension, start, "ok")
		return res.reply, nil
	case <-timer.C:
		r.mu.Lock()
		delete(r.pending, req.RequestID)
		r.mu.Unlock()
		r.recordOutcome(extension, start, "timeout")
		return protocol.InwardReply{}, protocol.NewError(protocol.CodeTimeout, "extension did not respond in time")
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.RequestID)
		r.mu.Unlock()
		r.recordOutcome(extension, start, "cancelled")
		return protocol.InwardReply{}, protocol.Wrap(protocol.CodeTimeout, "request cancelled", ctx.Err())
	}
}

func outcomeFor(err error) string {
	if protocol.AsBridgeError(err).Code == protocol.CodeGone {
		return "gone"
	}
	return "error"
}

func (r *Router) recordOutcome(extension string, start time.Time, outcome string) {
	r.mu.Lock()
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.RecordDispatch(extension, time.Since(start), outcome)
	}
}

// Respond delivers reply to the waiting Dispatch call for reply.RequestID
// and atomically removes the pending entry. A second Respond for the
// same id — or one with no matching Dispatch at all — fails with
// UnknownRequest rather than delivering twice.
func (r *Router) Respond(reply protocol.InwardReply) error {
	r.mu.Lock()
	ch, ok := r.pending[reply.RequestID]
	if ok {
		delete(r.pending, reply.RequestID)
	}
	r.mu.Unlock()

	if !ok {
		return protocol.NewError(protocol.CodeUnknownRequest, "no pending request with this id")
	}
	ch <- pendingResult{reply: reply}
	return nil
}

// Abandon resolves a pending request with Gone, for use when the
// connection carrying its extension handler dies before responding. A
// no-op if the request already completed or never existed.
func (r *Router) Abandon(requestID string) {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()

	if ok {
		ch <- pendingResult{err: protocol.NewError(protocol.CodeGone, "extension handler disconnected before responding")}
	}
}

// Pending reports how many requests are currently in flight, for
// diagnostics.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
