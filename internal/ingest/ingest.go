// Package ingest consumes the broker account and slot streams and
// feeds decoded updates to the router. Bodies are acknowledged after
// decode, whether or not they decode: delivery is at most once and a
// malformed message is dropped, not redelivered.
package ingest

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/router"
	"github.com/bobs4462/validator-offload/internal/types"
)

const inboxSize = 8192

// Router is the slice of the fan-out router ingest feeds.
type Router interface {
	Send(router.Msg)
}

// Source is a connected broker consumer. Constructors connect and
// start delivery; Stop drains and disconnects.
type Source interface {
	Stop()
}

// envelope carries one raw topic body and its deferred broker ack.
// A nil ack means the broker has none (NATS) or acks out of band
// (Kafka offset autocommit).
type envelope struct {
	body []byte
	ack  func()
}

// Decoder is the pair of ingest actors. Sources enqueue raw topic
// bodies through HandleAccount and HandleSlot; RunAccounts and
// RunSlots decode on their own goroutines and feed the router, so a
// poison message never takes the broker connection down with it.
type Decoder struct {
	router  Router
	log     zerolog.Logger
	metrics *metrics.Metrics

	accounts chan envelope
	slots    chan envelope
}

func NewDecoder(r Router, m *metrics.Metrics, log zerolog.Logger) *Decoder {
	return &Decoder{
		router:   r,
		log:      log.With().Str("actor", "ingest").Logger(),
		metrics:  m,
		accounts: make(chan envelope, inboxSize),
		slots:    make(chan envelope, inboxSize),
	}
}

// HandleAccount hands one accounts-topic body to the decode loop,
// blocking while the loop is behind. The broker's in-flight window is
// the only back-pressure.
func (d *Decoder) HandleAccount(body []byte, ack func()) {
	d.metrics.BytesReceived.Add(float64(len(body)))
	d.accounts <- envelope{body: body, ack: ack}
}

// HandleSlot hands one slots-topic body to the decode loop.
func (d *Decoder) HandleSlot(body []byte, ack func()) {
	d.metrics.BytesReceived.Add(float64(len(body)))
	d.slots <- envelope{body: body, ack: ack}
}

// RunAccounts decodes account bodies until ctx is cancelled. Decode
// failures are counted and dropped; the ack fires either way, before
// the router send, so a full router inbox cannot trigger redelivery.
func (d *Decoder) RunAccounts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-d.accounts:
			var u types.AccountUpdate
			err := msgpack.Unmarshal(e.body, &u)
			if e.ack != nil {
				e.ack()
			}
			if err != nil {
				d.metrics.IngestDecodeErrors.Inc()
				d.log.Error().Err(err).Msg("undecodable account update")
				continue
			}
			d.metrics.AccountUpdatesCount.Inc()
			d.router.Send(router.AccountUpdate{AccountUpdate: u})
		}
	}
}

// RunSlots decodes slot bodies until ctx is cancelled and keeps the
// slot gauge on the highest slot seen.
func (d *Decoder) RunSlots(ctx context.Context) error {
	var maxSlot types.Slot
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-d.slots:
			var u types.SlotUpdate
			err := msgpack.Unmarshal(e.body, &u)
			if e.ack != nil {
				e.ack()
			}
			if err != nil {
				d.metrics.IngestDecodeErrors.Inc()
				d.log.Error().Err(err).Msg("undecodable slot update")
				continue
			}
			if u.Slot > maxSlot {
				maxSlot = u.Slot
				d.metrics.Slot.Set(float64(u.Slot))
			}
			d.metrics.SlotUpdatesCount.Inc()
			d.router.Send(router.SlotUpdate{SlotUpdate: u})
		}
	}
}
