// Package session drives one websocket client. A session is an actor:
// its run loop owns the connection, the subscription map and the write
// side, while the read pump and the subscription managers only feed
// its inbox.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/router"
	"github.com/bobs4462/validator-offload/internal/rpc"
	"github.com/bobs4462/validator-offload/internal/types"
)

const (
	heartbeatInterval = 5 * time.Second
	clientTimeout     = 15 * time.Second
	writeWait         = 10 * time.Second

	// Request rate per client. Bursty subscribe storms right after
	// connect are fine, sustained flooding is not.
	rateLimit = 10
	rateBurst = 100
)

var pingPayload = []byte("PING")

// Router is the slice of the fan-out router a session talks to.
type Router interface {
	Send(router.Msg)
}

type event interface{ sessionEvent() }

// Events fed by the read pump.
type frameEvent struct{ payload []byte }
type pingEvent struct{ payload []byte }
type pongEvent struct{}
type binaryEvent struct{}
type closedEvent struct{ err error }

// Events fed by the subscription managers.
type accountEvent struct{ router.AccountUpdated }
type slotEvent struct{ router.SlotUpdated }

func (frameEvent) sessionEvent()   {}
func (pingEvent) sessionEvent()    {}
func (pongEvent) sessionEvent()    {}
func (binaryEvent) sessionEvent()  {}
func (closedEvent) sessionEvent()  {}
func (accountEvent) sessionEvent() {}
func (slotEvent) sessionEvent()    {}

// Session is the actor behind one websocket connection.
type Session struct {
	id     uuid.UUID
	conn   net.Conn
	router Router
	inbox  chan event

	log     zerolog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	hbInterval time.Duration
	hbTimeout  time.Duration
}

// sessionState lives on the run loop's stack so nothing else can reach
// it.
type sessionState struct {
	subs    *SubscriptionsMap
	slotSub *types.SubID
	next    types.SubID
	hb      time.Time
}

// New wraps an already upgraded connection. inboxSize bounds how many
// pending notifications a slow client may pile up before the managers
// start dropping it.
func New(conn net.Conn, r Router, m *metrics.Metrics, log zerolog.Logger, inboxSize int) *Session {
	id := uuid.New()
	return &Session{
		id:         id,
		conn:       conn,
		router:     r,
		inbox:      make(chan event, inboxSize),
		log:        log.With().Str("session_id", id.String()).Logger(),
		metrics:    m,
		limiter:    rate.NewLimiter(rateLimit, rateBurst),
		hbInterval: heartbeatInterval,
		hbTimeout:  clientTimeout,
	}
}

// ID implements router.Recipient.
func (s *Session) ID() uuid.UUID { return s.id }

// SendAccount queues an account notification without blocking. False
// means the inbox is full and the manager should drop this recipient.
func (s *Session) SendAccount(u router.AccountUpdated) bool {
	select {
	case s.inbox <- accountEvent{u}:
		return true
	default:
		return false
	}
}

// SendSlot queues a slot notification without blocking.
func (s *Session) SendSlot(u router.SlotUpdated) bool {
	select {
	case s.inbox <- slotEvent{u}:
		return true
	default:
		return false
	}
}

// Run drives the session until the client disconnects, the heartbeat
// times out or ctx is cancelled. The connection is closed and every
// subscription released on the way out.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &sessionState{
		subs: NewSubscriptionsMap(),
		hb:   time.Now(),
	}

	s.metrics.ConnectionsCount.Inc()
	s.log.Debug().Msg("session started")
	defer func() {
		_ = s.write(ws.OpClose, nil)
		s.conn.Close()
		s.release(st)
		s.metrics.ConnectionsCount.Dec()
		s.log.Debug().Msg("session closed")
	}()

	go s.readPump(ctx)

	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(st.hb) > s.hbTimeout {
				s.metrics.ConnectionTimeouts.Inc()
				s.log.Info().Msg("client heartbeat timed out")
				return
			}
			if s.write(ws.OpPing, pingPayload) != nil {
				return
			}
		case ev := <-s.inbox:
			if !s.handle(ev, st) {
				return
			}
		}
	}
}

// handle processes one inbox event. False stops the session.
func (s *Session) handle(ev event, st *sessionState) bool {
	switch ev := ev.(type) {
	case frameEvent:
		st.hb = time.Now()
		if !s.limiter.Allow() {
			s.log.Warn().Msg("request rate limit exceeded, frame dropped")
			return true
		}
		return s.process(ev.payload, st)
	case pingEvent:
		st.hb = time.Now()
		return s.write(ws.OpPong, ev.payload) == nil
	case pongEvent:
		st.hb = time.Now()
		return true
	case binaryEvent:
		st.hb = time.Now()
		s.log.Warn().Msg("unexpected binary frame")
		return true
	case closedEvent:
		if ev.err != nil && !errors.Is(ev.err, io.EOF) && !errors.Is(ev.err, net.ErrClosed) {
			s.log.Debug().Err(ev.err).Msg("connection read failed")
		}
		return false
	case accountEvent:
		id, ok := st.subs.GetByKey(ev.Key)
		if !ok {
			// Unsubscribed while the update was in flight.
			return true
		}
		payload, err := rpc.EncodeAccountNotification(ev.Key, &ev.Update, id)
		if err != nil {
			s.log.Error().Err(err).Msg("account notification encoding failed")
			return true
		}
		return s.write(ws.OpText, payload) == nil
	case slotEvent:
		if st.slotSub == nil {
			return true
		}
		payload, err := rpc.EncodeSlotNotification(ev.Slot, ev.Parent)
		if err != nil {
			s.log.Error().Err(err).Msg("slot notification encoding failed")
			return true
		}
		return s.write(ws.OpText, payload) == nil
	}
	return true
}

// process dispatches one client request.
func (s *Session) process(payload []byte, st *sessionState) bool {
	req, err := rpc.ParseRequest(payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("unparseable request")
		return s.reply(rpc.NewError(nil, rpc.CodeParseError, err.Error()))
	}

	switch req.Method {
	case rpc.MethodAccountSubscribe:
		return s.subscribe(&req, types.Account, st)
	case rpc.MethodProgramSubscribe:
		return s.subscribe(&req, types.Program, st)
	case rpc.MethodAccountUnsubscribe, rpc.MethodProgramUnsubscribe:
		return s.unsubscribe(&req, st)
	case rpc.MethodSlotSubscribe:
		return s.slotSubscribe(&req, st)
	case rpc.MethodSlotUnsubscribe:
		return s.slotUnsubscribe(&req, st)
	}
	return true
}

func (s *Session) subscribe(req *rpc.Request, kind types.SubscriptionKind, st *sessionState) bool {
	params, err := rpc.DecodeSubscribeParams(req.Params)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad subscribe params")
		return s.reply(rpc.NewError(&req.ID, rpc.CodeInvalidParams, rpc.MsgInvalidSubParams))
	}

	key := types.SubKey{Pubkey: params.Pubkey, Commitment: params.Options.Commitment, Kind: kind}
	if id, ok := st.subs.GetByKey(key); ok {
		// Same key again reuses the existing subscription instead of
		// registering a duplicate with the managers.
		return s.reply(rpc.NewResponse(req.ID, id))
	}

	id := st.next
	st.next++
	st.subs.Insert(key, id)
	s.router.Send(router.AccountSubscribe{Key: key, Recipient: s})
	s.log.Debug().Str("key", key.String()).Uint64("sub_id", uint64(id)).Msg("subscribed")
	return s.reply(rpc.NewResponse(req.ID, id))
}

func (s *Session) unsubscribe(req *rpc.Request, st *sessionState) bool {
	id, err := rpc.DecodeUnsubscribeParams(req.Params)
	if err != nil {
		return s.reply(rpc.NewError(&req.ID, rpc.CodeInvalidParams, rpc.MsgInvalidUnsubParams))
	}
	key, ok := st.subs.RemoveByID(id)
	if !ok {
		return s.reply(rpc.NewError(&req.ID, rpc.CodeInvalidParams, rpc.MsgInvalidSubID))
	}
	s.router.Send(router.AccountUnsubscribe{Key: key, Recipient: s})
	s.log.Debug().Str("key", key.String()).Uint64("sub_id", uint64(id)).Msg("unsubscribed")
	return s.reply(rpc.NewResponse(req.ID, true))
}

func (s *Session) slotSubscribe(req *rpc.Request, st *sessionState) bool {
	if st.slotSub != nil {
		return s.reply(rpc.NewResponse(req.ID, *st.slotSub))
	}
	id := st.next
	st.next++
	st.slotSub = &id
	s.router.Send(router.SlotSubscribe{Recipient: s})
	return s.reply(rpc.NewResponse(req.ID, id))
}

// slotUnsubscribe ignores its params. A session carries at most one
// slot subscription, so there is no id to disambiguate; the reply is
// true whether or not a subscription existed.
func (s *Session) slotUnsubscribe(req *rpc.Request, st *sessionState) bool {
	st.slotSub = nil
	s.router.Send(router.SlotUnsubscribe{Recipient: s})
	return s.reply(rpc.NewResponse(req.ID, true))
}

// release hands every live subscription back to the router. The slot
// unsubscribe always goes out; removing an absent recipient is a no-op
// on the manager side.
func (s *Session) release(st *sessionState) {
	subs := st.subs.Drain()
	for key := range subs {
		s.router.Send(router.AccountUnsubscribe{Key: key, Recipient: s})
	}
	st.slotSub = nil
	s.router.Send(router.SlotUnsubscribe{Recipient: s})
	if len(subs) > 0 {
		s.log.Debug().Int("count", len(subs)).Msg("subscriptions released")
	}
}

func (s *Session) reply(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
		return true
	}
	return s.write(ws.OpText, payload) == nil
}

func (s *Session) write(op ws.OpCode, payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(s.conn, op, payload); err != nil {
		s.log.Debug().Err(err).Msg("connection write failed")
		return err
	}
	if op == ws.OpText {
		s.metrics.BytesSent.Add(float64(len(payload)))
	}
	return nil
}

// readPump forwards client frames into the inbox so the run loop sees
// them in arrival order. It exits when the connection dies.
func (s *Session) readPump(ctx context.Context) {
	rd := &wsutil.Reader{Source: s.conn, State: ws.StateServerSide}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.push(ctx, closedEvent{err: err})
			return
		}

		if hdr.OpCode.IsControl() {
			var payload []byte
			if hdr.Length > 0 {
				payload = make([]byte, int(hdr.Length))
				if _, err := io.ReadFull(rd, payload); err != nil {
					s.push(ctx, closedEvent{err: err})
					return
				}
			}
			switch hdr.OpCode {
			case ws.OpPing:
				s.push(ctx, pingEvent{payload: payload})
			case ws.OpPong:
				s.push(ctx, pongEvent{})
			case ws.OpClose:
				s.push(ctx, closedEvent{})
				return
			}
			continue
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			s.push(ctx, closedEvent{err: err})
			return
		}
		switch hdr.OpCode {
		case ws.OpText:
			s.push(ctx, frameEvent{payload: payload})
		case ws.OpBinary:
			s.push(ctx, binaryEvent{})
		}
	}
}

// push blocks so client frames keep their order. Cancellation unblocks
// it when the run loop shuts down first.
func (s *Session) push(ctx context.Context, ev event) {
	select {
	case s.inbox <- ev:
	case <-ctx.Done():
	}
}
