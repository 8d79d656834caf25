package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/internal/admin"
	"relay/internal/permission"
	"relay/internal/protocolengine"
	"relay/internal/room"
	"relay/internal/wire"
)

// maxDatagramSize bounds a single inbound read; datagrams never exceed one
// UDP packet (protocolengine.Config.MaxFrameBudget keeps outbound frames
// well under it).
const maxDatagramSize = 2048

// peerKey identifies a member within a specific room — the UDP dispatcher's
// routing key.
type peerKey struct {
	room   room.ID
	member uint16
}

// Server owns the UDP socket, the address-to-member routing table, and one
// worker goroutine per room (spec.md §5's single-threaded-per-room
// scheduling model, generalized from the teacher's per-connection goroutine
// idiom: there it was one goroutine per websocket, here it is one per
// room, fed by a dispatcher that demultiplexes incoming datagrams by
// source address).
type Server struct {
	conn net.PacketConn
	log  *zap.Logger

	protoConfig protocolengine.Config
	tick        time.Duration

	health *admin.HealthServer

	mu          sync.RWMutex
	rooms       map[room.ID]*roomWorker
	byAddr      map[string]peerKey
	byPeer      map[peerKey]net.Addr
	byPublicKey map[[32]byte]peerKey

	lifecycle chan admin.LifecycleEvent
}

type roomWorker struct {
	room    *room.Room
	inbound chan inboundFrame
	admin   chan func(*room.Room)
	stop    chan struct{}
	ready   bool
}

type inboundFrame struct {
	memberID uint16
	datagram []byte
}

// NewServer binds conn for game traffic. tick is the target interval
// between Room.Tick calls (spec.md §5 recommends ≤10ms).
func NewServer(conn net.PacketConn, protoConfig protocolengine.Config, tick time.Duration, health *admin.HealthServer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		conn:        conn,
		log:         log,
		protoConfig: protoConfig,
		tick:        tick,
		health:      health,
		rooms:       make(map[room.ID]*roomWorker),
		byAddr:      make(map[string]peerKey),
		byPeer:      make(map[peerKey]net.Addr),
		byPublicKey: make(map[[32]byte]peerKey),
		lifecycle:   make(chan admin.LifecycleEvent, 64),
	}
}

// ReadLoop reads datagrams from conn until ctx is cancelled or the socket
// errors, dispatching each to the room that owns its source address.
func (s *Server) ReadLoop(ctx context.Context) error {
	if s.health != nil {
		s.health.MarkGameListening()
	}
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		s.mu.RLock()
		key, known := s.byAddr[addr.String()]
		s.mu.RUnlock()
		if !known {
			var ok bool
			key, ok = s.learnAddrByPublicKey(addr, datagram)
			if !ok {
				s.log.Warn("datagram from unregistered peer", zap.String("addr", addr.String()))
				continue
			}
		}

		s.mu.RLock()
		w := s.rooms[key.room]
		s.mu.RUnlock()
		if w == nil {
			continue
		}
		select {
		case w.inbound <- inboundFrame{memberID: key.member, datagram: datagram}:
		default:
			s.log.Warn("room inbound queue full, dropping datagram",
				zap.Uint64("room", uint64(key.room)), zap.Uint16("member", key.member))
		}
	}
}

// ResolvePeer records the UDP source address a member's datagrams arrive
// from. A real deployment learns this from the authentication handshake
// (out of scope here, per spec.md §1's auth/token-service non-goal) or from
// a member's first datagram carrying a MemberPublicKey header (see
// learnAddrByPublicKey); this is the manual/administrative equivalent for
// tests and the demo entry point.
func (s *Server) ResolvePeer(roomID room.ID, memberID uint16, addr net.Addr) {
	key := peerKey{room: roomID, member: memberID}
	s.mu.Lock()
	s.byAddr[addr.String()] = key
	s.byPeer[key] = addr
	s.mu.Unlock()
}

// learnAddrByPublicKey implements spec.md §2/§5's "dispatch by
// (public_key → member → room_id)": peeking the unencrypted header section
// of a datagram from an address we haven't seen yet, and if it carries a
// MemberPublicKey header matching a registered member, binding addr to that
// member from this point on. No decryption happens here — DecodeHeaders
// reads only the cleartext preamble.
func (s *Server) learnAddrByPublicKey(addr net.Addr, datagram []byte) (peerKey, bool) {
	_, headers, _, _, err := wire.DecodeHeaders(datagram)
	if err != nil {
		return peerKey{}, false
	}
	h, ok := headers.First(wire.IsType(wire.HeaderMemberPublicKey))
	if !ok {
		return peerKey{}, false
	}

	s.mu.Lock()
	key, known := s.byPublicKey[h.PublicKey]
	if known {
		s.byAddr[addr.String()] = key
		s.byPeer[key] = addr
	}
	s.mu.Unlock()
	return key, known
}

func (s *Server) sendTo(roomID room.ID, memberID uint16, datagram []byte) {
	s.mu.RLock()
	addr := s.byPeer[peerKey{room: roomID, member: memberID}]
	s.mu.RUnlock()
	if addr == nil {
		return
	}
	if _, err := s.conn.WriteTo(datagram, addr); err != nil {
		s.log.Warn("write failed", zap.Uint64("room", uint64(roomID)), zap.Uint16("member", memberID), zap.Error(err))
	}
}

// runRoom drives one room's worker goroutine: frames and admin ops are
// applied as they arrive, and on every tick boundary any still-pending
// frames/ops are drained first, then Tick and BuildOutgoing run — matching
// spec.md §9's "drain all incoming for a room, then build outgoing" rule.
func (s *Server) runRoom(w *roomWorker) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case f := <-w.inbound:
			s.deliverFrame(w, f)
		case op := <-w.admin:
			op(w.room)
		case <-ticker.C:
			s.drainPending(w)
			now := time.Now()
			w.room.Tick(now)
			w.room.BuildOutgoing(now, func(memberID uint16, datagram []byte) {
				s.sendTo(w.room.ID, memberID, datagram)
			})
		}
	}
}

func (s *Server) drainPending(w *roomWorker) {
	for {
		select {
		case f := <-w.inbound:
			s.deliverFrame(w, f)
		case op := <-w.admin:
			op(w.room)
		default:
			return
		}
	}
}

func (s *Server) deliverFrame(w *roomWorker, f inboundFrame) {
	if err := w.room.OnFrame(f.memberID, f.datagram, time.Now()); err != nil {
		s.log.Warn("on frame", zap.Uint64("room", uint64(w.room.ID)), zap.Uint16("member", f.memberID), zap.Error(err))
	}
}

// --- admin.Controller ---

// CreateRoom builds a Room from tmpl and starts its worker goroutine.
func (s *Server) CreateRoom(tmpl room.Template) (room.ID, error) {
	if tmpl.ID == 0 {
		tmpl.ID = newRoomID()
	}
	r, err := room.New(tmpl, s.log, s.protoConfig, time.Now())
	if err != nil {
		return 0, fmt.Errorf("server: create room: %w", err)
	}
	w := &roomWorker{
		room:    r,
		inbound: make(chan inboundFrame, 256),
		admin:   make(chan func(*room.Room), 16),
		stop:    make(chan struct{}),
	}
	s.mu.Lock()
	s.rooms[r.ID] = w
	for _, mt := range tmpl.Members {
		if mt.PublicKey != ([32]byte{}) {
			s.byPublicKey[mt.PublicKey] = peerKey{room: r.ID, member: mt.ID}
		}
	}
	s.mu.Unlock()
	go s.runRoom(w)

	s.emit(admin.LifecycleEvent{Kind: admin.RoomCreated, RoomID: r.ID})
	return r.ID, nil
}

// CreateMember registers a new member on roomID and returns its id and
// private key. The address it will send datagrams from is not known yet —
// call ResolvePeer once the authentication layer supplies it.
func (s *Server) CreateMember(roomID room.ID, tmpl room.MemberTemplate) (uint16, admin.PrivateKey, error) {
	w, err := s.workerFor(roomID)
	if err != nil {
		return 0, admin.PrivateKey{}, err
	}

	type result struct {
		id  uint16
		err error
	}
	resCh := make(chan result, 1)
	w.admin <- func(r *room.Room) {
		id, err := r.RegisterMember(tmpl, time.Now())
		resCh <- result{id: id, err: err}
	}
	res := <-resCh
	if res.err != nil {
		return 0, admin.PrivateKey{}, fmt.Errorf("server: create member: %w", res.err)
	}
	if tmpl.PublicKey != ([32]byte{}) {
		s.mu.Lock()
		s.byPublicKey[tmpl.PublicKey] = peerKey{room: roomID, member: res.id}
		s.mu.Unlock()
	}
	s.emit(admin.LifecycleEvent{Kind: admin.MemberCreated, RoomID: roomID, MemberID: res.id})
	return res.id, tmpl.PrivateKey, nil
}

// DeleteMember disconnects memberID from roomID immediately.
func (s *Server) DeleteMember(roomID room.ID, memberID uint16) error {
	w, err := s.workerFor(roomID)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	w.admin <- func(r *room.Room) {
		r.DisconnectMember(memberID)
		close(done)
	}
	<-done
	s.forgetMemberRoutes(peerKey{room: roomID, member: memberID})
	s.emit(admin.LifecycleEvent{Kind: admin.MemberDeleted, RoomID: roomID, MemberID: memberID})
	return nil
}

// forgetMemberRoutes drops every routing-table entry (address and public
// key) pointing at key, e.g. after a member disconnects or its room is
// torn down.
func (s *Server) forgetMemberRoutes(key peerKey) {
	s.mu.Lock()
	if addr, ok := s.byPeer[key]; ok {
		delete(s.byPeer, key)
		delete(s.byAddr, addr.String())
	}
	for pk, k := range s.byPublicKey {
		if k == key {
			delete(s.byPublicKey, pk)
		}
	}
	s.mu.Unlock()
}

// DeleteRoom stops roomID's worker goroutine and forgets its routes.
func (s *Server) DeleteRoom(roomID room.ID) error {
	s.mu.Lock()
	w, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
		for key, addr := range s.byPeer {
			if key.room == roomID {
				delete(s.byPeer, key)
				delete(s.byAddr, addr.String())
			}
		}
		for pk, key := range s.byPublicKey {
			if key.room == roomID {
				delete(s.byPublicKey, pk)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("server: delete room: %w", errUnknownRoom)
	}
	close(w.stop)
	s.emit(admin.LifecycleEvent{Kind: admin.RoomDeleted, RoomID: roomID})
	return nil
}

// MarkRoomReady flips the room's readiness flag, gating nothing in the
// core itself but surfaced so an embedding admin layer can defer matching
// players into a room until its template has finished loading.
func (s *Server) MarkRoomReady(roomID room.ID) error {
	w, err := s.workerFor(roomID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	w.ready = true
	s.mu.Unlock()
	s.emit(admin.LifecycleEvent{Kind: admin.RoomReady, RoomID: roomID})
	return nil
}

// UpdateRoomPermissions rebuilds roomID's permission manager from cfg.
func (s *Server) UpdateRoomPermissions(roomID room.ID, cfg permission.Config) error {
	w, err := s.workerFor(roomID)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	w.admin <- func(r *room.Room) {
		r.SetPermissions(cfg)
		close(done)
	}
	<-done
	return nil
}

// WatchRoomLifecycle returns the shared lifecycle event stream.
func (s *Server) WatchRoomLifecycle() (<-chan admin.LifecycleEvent, error) {
	return s.lifecycle, nil
}

func (s *Server) emit(evt admin.LifecycleEvent) {
	select {
	case s.lifecycle <- evt:
	default:
		s.log.Warn("lifecycle event dropped, subscriber too slow", zap.String("kind", evt.Kind.String()))
	}
}

func (s *Server) workerFor(roomID room.ID) (*roomWorker, error) {
	s.mu.RLock()
	w, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server: room %d: %w", roomID, errUnknownRoom)
	}
	return w, nil
}

var errUnknownRoom = fmt.Errorf("unknown room")

// newRoomID derives a room.ID from a fresh UUID for callers that don't
// supply one explicitly, mirroring the teacher's uuid.New() use for
// collision-free identifiers.
func newRoomID() room.ID {
	id := uuid.New()
	return room.ID(binary.BigEndian.Uint64(id[:8]))
}

// Shutdown broadcasts a server-stopped disconnect to every member of every
// room and stops all room workers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	rooms := make([]*roomWorker, 0, len(s.rooms))
	for _, w := range s.rooms {
		rooms = append(rooms, w)
	}
	s.rooms = make(map[room.ID]*roomWorker)
	s.mu.Unlock()

	now := time.Now()
	for _, w := range rooms {
		w.room.Shutdown(now, func(memberID uint16, datagram []byte) {
			s.sendTo(w.room.ID, memberID, datagram)
		})
		close(w.stop)
	}
}
