// Package protocolengine glues the codec, framing, replay protection,
// retransmission, acknowledgement, RTT, and command collection layers into
// the single per-peer surface a room drives every tick.
package protocolengine

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"relay/internal/ack"
	"relay/internal/incommands"
	"relay/internal/outcommands"
	"relay/internal/replay"
	"relay/internal/retransmit"
	"relay/internal/rtt"
	"relay/internal/wire"

	"relay/internal/codec"
)

// ErrRateExceeded is returned when a peer exceeds its inbound frame budget;
// the caller should treat the engine as disconnected (see Disconnected).
var ErrRateExceeded = errors.New("protocolengine: inbound frame rate exceeded")

// Config tunes the thresholds the engine applies; zero values fall back to
// each sub-package's defaults.
type Config struct {
	MaxUnacked         int
	DisconnectTimeout  time.Duration
	KeepaliveInterval  time.Duration
	AckDelay           time.Duration
	MinRetransmit      time.Duration
	MaxRetransmit      time.Duration
	MaxFrameBudget     int // soft pre-encryption byte budget for a fresh frame
	MaxFramesPerSecond int // inbound frame admission rate; replaces the teacher's hand-rolled token counter
}

func (c Config) withDefaults() Config {
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = rtt.DisconnectTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = rtt.KeepaliveInterval
	}
	if c.AckDelay == 0 {
		c.AckDelay = ack.DefaultAckDelay
	}
	if c.MinRetransmit == 0 {
		c.MinRetransmit = retransmit.MinRetransmitTimeout
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = retransmit.MaxRetransmitTimeout
	}
	if c.MaxFrameBudget == 0 {
		c.MaxFrameBudget = 1200
	}
	if c.MaxFramesPerSecond == 0 {
		c.MaxFramesPerSecond = 200
	}
	return c
}

// Engine is the per-peer protocol state machine. Not safe for concurrent
// use — a room drives exactly one Engine per member, synchronously.
type Engine struct {
	cfg    Config
	cipher *codec.Cipher

	replay  *replay.Protection
	retx    *retransmit.Engine
	acks    *ack.Engine
	rtt     *rtt.Estimator
	in      *incommands.Collector
	out     *outcommands.Collector
	limiter *rate.Limiter

	nextFrameID uint64
	helloSent   bool
	disconnect  *wire.DisconnectReason
}

// New builds an Engine for a newly-registered member, keyed by its private
// key, starting its clock at now.
func New(cipher *codec.Cipher, now time.Time, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		cipher:  cipher,
		replay:  replay.New(),
		retx:    retransmit.New(cfg.MaxUnacked),
		acks:    ack.New(),
		rtt:     rtt.New(now),
		in:      incommands.New(),
		out:     outcommands.New(),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxFramesPerSecond), cfg.MaxFramesPerSecond),
		// Frame ids start at 1: replay protection treats id 0 as an empty slot.
		nextFrameID: 1,
	}
}

// OnFrameReceived decodes, authenticates, and processes one inbound
// datagram: replay check, RTT/keepalive bookkeeping, ack-header processing,
// and handing commands to the in-collector.
func (e *Engine) OnFrameReceived(datagram []byte, now time.Time) error {
	if !e.limiter.AllowN(now, 1) {
		e.fail(wire.DisconnectRateExceeded)
		return ErrRateExceeded
	}

	frame, err := wire.Decode(e.cipher, datagram)
	if err != nil {
		e.fail(wire.DisconnectProtocolError)
		return err
	}

	dup, err := e.replay.Check(frame.FrameID)
	if err != nil {
		e.fail(wire.DisconnectReplayWindowExceeded)
		return err
	}
	if dup {
		return nil
	}

	e.rtt.MarkReceived(now)

	for _, h := range frame.Headers {
		if h.Type != wire.HeaderAck {
			continue
		}
		e.applyAck(h.Ack, now)
	}

	if h, ok := frame.Headers.First(wire.IsType(wire.HeaderDisconnect)); ok {
		reason := h.DisconnectReason
		e.disconnect = &reason
		return nil
	}

	originalFrameID := frame.OriginalFrameID()
	e.in.Collect(frame, originalFrameID)

	if frame.IsReliable() {
		e.acks.Received(frame.FrameID, now)
	}
	return nil
}

func (e *Engine) applyAck(a wire.AckRange, now time.Time) {
	if sentAt, ok := e.retx.Ack(a.Base); ok {
		e.rtt.Sample(now.Sub(sentAt))
	}
	for i := 0; i < 64; i++ {
		if a.Bitmap&(1<<uint(i)) == 0 {
			continue
		}
		id := a.Base + uint64(i) + 1
		if sentAt, ok := e.retx.Ack(id); ok {
			e.rtt.Sample(now.Sub(sentAt))
		}
	}
}

func (e *Engine) fail(reason wire.DisconnectReason) {
	if e.disconnect == nil {
		e.disconnect = &reason
	}
}

// TakeReadyCommands returns commands that became ready to deliver since the
// last call, per the in-collector's per-channel ordering contract.
func (e *Engine) TakeReadyCommands() []wire.CommandWithChannel {
	return e.in.TakeReady()
}

// Out exposes the out-commands collector directly; room code calls
// Out().Add(channel, cmd) rather than going through a boxed interface.
func (e *Engine) Out() *outcommands.Collector {
	return e.out
}

// BuildDisconnectFrame encodes a best-effort final frame carrying a
// Disconnect header, for server-initiated teardown (spec.md §6: "Server
// shutdown broadcasts Disconnect(ServerStopped) and drops sockets"). It
// does not consult or mutate retransmit/ack state — this frame is sent
// once, on a best-effort basis, as the socket is about to close.
func (e *Engine) BuildDisconnectFrame(now time.Time, reason wire.DisconnectReason) []byte {
	headers := []wire.Header{wire.DisconnectHeader(reason)}
	frameID := e.nextFrameID
	e.nextFrameID++
	return wire.Encode(e.cipher, frameID, headers, nil, nil)
}

// ContainsSelfData reports whether BuildNextFrame would produce a frame
// right now: a fast predicate used by the tick scheduler to decide whether
// to even call it. A pending ack alone only counts once AckDelay has
// elapsed since the oldest unacked arrival — short of that it rides along
// on whatever frame gets built for another reason, never forcing one of
// its own (spec.md §4.5's batching window).
func (e *Engine) ContainsSelfData(now time.Time) bool {
	if e.acks.Due(now, e.cfg.AckDelay) {
		return true
	}
	if !e.out.Empty() {
		return true
	}
	if len(e.retx.Due(now, e.retransmitTimeout())) > 0 {
		return true
	}
	if e.rtt.KeepaliveDue(now, e.cfg.KeepaliveInterval) {
		return true
	}
	if !e.helloSent {
		return true
	}
	return false
}

func (e *Engine) retransmitTimeout() time.Duration {
	return e.rtt.RetransmitTimeout(e.cfg.MinRetransmit, e.cfg.MaxRetransmit)
}

// BuildNextFrame produces the next outgoing datagram for this peer, or
// (nil, false) if there's nothing to send. Composition order: a due
// retransmit takes priority over a fresh frame; a Hello (handshake) header
// is always attached when not yet sent. Pending acks piggyback on whatever
// frame gets built for another reason; if nothing else is due they only
// force a standalone frame once AckDelay has elapsed (spec.md §4.5).
func (e *Engine) BuildNextFrame(now time.Time) ([]byte, bool) {
	var headers []wire.Header
	if !e.helloSent {
		headers = append(headers, wire.HelloHeader())
		e.helloSent = true
	}

	if due := e.retx.Due(now, e.retransmitTimeout()); len(due) > 0 {
		headers = append(headers, e.acks.Build()...)
		candidate := due[0]
		frameID := e.nextFrameID
		e.nextFrameID++
		headers = append(headers, wire.RetransmitHeader(candidate.OriginalFrameID))
		e.retx.Retransmit(candidate, frameID, now)
		e.rtt.MarkSent(now)
		return wire.Encode(e.cipher, frameID, headers, candidate.Reliable, nil), true
	}

	cmds := e.out.Drain()
	reliable, unreliable := outcommands.SplitReliableUnreliable(cmds)
	budget := e.cfg.MaxFrameBudget
	reliable, unreliable, leftover := capToBudget(reliable, unreliable, budget)
	if len(leftover) > 0 {
		e.out.PrependUnsent(leftover)
	}

	keepaliveDue := e.rtt.KeepaliveDue(now, e.cfg.KeepaliveInterval)
	hasOutData := len(reliable) > 0 || len(unreliable) > 0
	ackDue := e.acks.Due(now, e.cfg.AckDelay)
	if hasOutData || keepaliveDue || ackDue || len(headers) > 0 {
		headers = append(headers, e.acks.Build()...)
	}

	if len(headers) == 0 && len(reliable) == 0 && len(unreliable) == 0 && !keepaliveDue {
		return nil, false
	}

	frameID := e.nextFrameID
	e.nextFrameID++
	if len(reliable) > 0 {
		e.retx.Track(frameID, now, reliable)
	}
	e.rtt.MarkSent(now)
	return wire.Encode(e.cipher, frameID, headers, reliable, unreliable), true
}

// capToBudget trims reliable/unreliable to fit a soft pre-encryption byte
// budget, returning anything dropped so the caller can requeue it. Reliable
// commands are never dropped once included (the commitment to deliver them
// begins at retransmit-tracking time); the budget only limits how many are
// pulled from the collector in the first place.
func capToBudget(reliable, unreliable []wire.CommandWithChannel, budget int) (keptReliable, keptUnreliable, leftover []wire.CommandWithChannel) {
	const approxCommandSize = 24
	maxCommands := budget / approxCommandSize
	if maxCommands <= 0 {
		maxCommands = 1
	}
	all := append(append([]wire.CommandWithChannel{}, reliable...), unreliable...)
	if len(all) <= maxCommands {
		return reliable, unreliable, nil
	}
	kept := all[:maxCommands]
	leftover = all[maxCommands:]
	keptReliable, keptUnreliable = outcommands.SplitReliableUnreliable(kept)
	return keptReliable, keptUnreliable, leftover
}

// Disconnected reports the reason this peer should be disconnected, if any,
// checked in this order: a recorded reason (replay-window overflow, rate or
// protocol error, peer-requested), retransmit exhaustion, then idle timeout.
func (e *Engine) Disconnected(now time.Time) (wire.DisconnectReason, bool) {
	if e.disconnect != nil {
		return *e.disconnect, true
	}
	if reason, yes := e.retx.ShouldDisconnect(now, e.cfg.DisconnectTimeout); yes {
		return reason, true
	}
	if e.rtt.IdleTimedOut(now, e.cfg.DisconnectTimeout) {
		return wire.DisconnectTimeout, true
	}
	return 0, false
}
