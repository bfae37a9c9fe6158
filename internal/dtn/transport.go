package dtn

import "spraydtn/internal/proto"

// Handler receives inbound traffic for an open session. Transports must
// invoke it from the session's scheduler, never from their own goroutines,
// and pkt is only valid for the duration of the call.
type Handler interface {
	OnBroadcast(pkt []byte, from proto.Addr)
	OnUnicast(pkt []byte, from proto.Addr)
	OnReliable(pkt []byte, from proto.Addr, seq uint8)
	// OnReliableSent reports that the receiver acknowledged seq.
	OnReliableSent(to proto.Addr, seq uint8)
	// OnReliableTimedOut reports that seq exhausted its retransmissions.
	OnReliableTimedOut(to proto.Addr, seq uint8)
}

// Transport is the three-channel radio the protocol runs over: best-effort
// broadcast on channelBase, best-effort unicast on channelBase+1 and
// acknowledged unicast on channelBase+2.
//
// pkt arguments point into the session's staging buffer, which is rewritten
// by the next send. Implementations copy anything they keep.
type Transport interface {
	Open(channelBase uint16, h Handler) error
	Broadcast(pkt []byte) error
	Unicast(to proto.Addr, pkt []byte) error
	// SendReliable returns an error when the transmission is not accepted,
	// for example while another one to the same neighbor is outstanding.
	// Otherwise the outcome arrives later via OnReliableSent or
	// OnReliableTimedOut with the returned seq.
	SendReliable(to proto.Addr, pkt []byte, maxRetries int) (seq uint8, err error)
	Close() error
}
