package debuglog

import (
	"io"

	"github.com/rs/zerolog"

	"spraydtn/internal/proto"
)

// Packet trace event kinds.
const (
	EventSpray    = "spray"
	EventRecv     = "recv"
	EventConfirm  = "confirm"
	EventRequest  = "request"
	EventHandoff  = "handoff"
	EventDrop     = "drop"
	EventDeliver  = "deliver"
	EventRollback = "rollback"
)

// Trace records one structured line per packet sent or received. Header
// fields are only emitted when the header validates.
type Trace struct {
	log zerolog.Logger
}

func NewTrace(w io.Writer, self proto.Addr) *Trace {
	return &Trace{
		log: zerolog.New(w).With().Timestamp().Str("node", self.String()).Logger(),
	}
}

func NopTrace() *Trace {
	return &Trace{log: zerolog.Nop()}
}

func (t *Trace) Packet(event string, sender, receiver proto.Addr, pkt []byte) {
	t.PacketReason(event, "", sender, receiver, pkt)
}

func (t *Trace) PacketReason(event, reason string, sender, receiver proto.Addr, pkt []byte) {
	if t == nil {
		return
	}
	ev := t.log.Info().
		Str("event", event).
		Str("sender", sender.String()).
		Str("receiver", receiver.String())
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	h, _, ok := proto.Decode(pkt)
	if !ok || !proto.Validate(h) {
		ev.Bool("valid", false).Send()
		return
	}
	ev.Bool("valid", true).
		Str("origin", h.Origin.String()).
		Str("dest", h.Dest.String()).
		Uint16("seq", h.Seq).
		Uint16("copies", h.Copies).
		Send()
}
