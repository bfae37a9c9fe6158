package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"time"

	"spraydtn/internal/debuglog"
	"spraydtn/internal/dtn"
	"spraydtn/internal/eventloop"
	"spraydtn/internal/metrics"
	"spraydtn/internal/network/inproc"
	"spraydtn/internal/proto"
)

type simConfig struct {
	Nodes         int
	Topology      string
	Drop          float64
	Delay         time.Duration
	Seed          int64
	Duration      time.Duration
	Messages      int
	Copies        uint16
	RequestCopies bool
	Trace         io.Writer
}

type simDelivery struct {
	At      time.Duration
	Node    proto.Addr
	Origin  proto.Addr
	Seq     uint16
	LastHop proto.Addr
	Payload string
}

type simResult struct {
	Deliveries []simDelivery
	Snapshots  []metrics.Snapshot
}

// simulate runs a chain or mesh of nodes under a virtual clock. Node 1
// sends Messages messages to the last node, one per second.
func simulate(cfg simConfig) (simResult, error) {
	if cfg.Nodes < 2 {
		return simResult{}, errors.New("need at least two nodes")
	}
	if cfg.Nodes > 0xfffe {
		return simResult{}, errors.New("too many nodes")
	}
	start := time.Unix(0, 0).UTC()
	clock := eventloop.NewManual(start)
	medium := inproc.NewMedium(clock, cfg.Seed)
	medium.SetDelay(cfg.Delay)
	medium.SetDropRate(cfg.Drop)

	addrs := make([]proto.Addr, cfg.Nodes)
	for i := range addrs {
		addrs[i] = proto.AddrFromUint16(uint16(i + 1))
	}
	switch cfg.Topology {
	case "full":
		medium.ConnectAll(addrs...)
	case "line", "":
		for i := 0; i+1 < len(addrs); i++ {
			medium.Connect(addrs[i], addrs[i+1])
		}
	default:
		return simResult{}, fmt.Errorf("unknown topology %q", cfg.Topology)
	}

	var res simResult
	sessions := make([]*dtn.Session, len(addrs))
	meters := make([]*metrics.Metrics, len(addrs))
	for i, self := range addrs {
		self := self
		opts := dtn.DefaultOptions()
		if cfg.Copies > 0 {
			opts.Copies = cfg.Copies
		}
		opts.RequestCopies = cfg.RequestCopies
		opts.Rand = rand.New(rand.NewSource(cfg.Seed + int64(i) + 1))
		meters[i] = metrics.New().WithNode(self)
		opts.Metrics = meters[i]
		if cfg.Trace != nil {
			opts.Trace = debuglog.NewTrace(cfg.Trace, self)
		}
		cb := dtn.Callbacks{Deliver: func(p proto.Packet, lastHop proto.Addr) {
			res.Deliveries = append(res.Deliveries, simDelivery{
				At:      clock.Now().Sub(start),
				Node:    self,
				Origin:  p.Origin,
				Seq:     p.Seq,
				LastHop: lastHop,
				Payload: string(p.Payload),
			})
		}}
		s, err := dtn.Open(medium.Port(self), clock, self, 128, cb, opts)
		if err != nil {
			return simResult{}, err
		}
		sessions[i] = s
	}

	src, dst := sessions[0], addrs[len(addrs)-1]
	for m := 0; m < cfg.Messages; m++ {
		payload := []byte(fmt.Sprintf("msg-%d", m))
		clock.AfterFunc(time.Duration(m)*time.Second, func() {
			if err := src.Send(dst, payload); err != nil {
				debuglog.Warnf("sim: send: %v", err)
			}
		})
	}
	clock.Advance(cfg.Duration)

	for i, s := range sessions {
		meters[i].SetStoreLen(len(s.Entries()))
		snap := meters[i].Snapshot()
		snap.GeneratedAt = clock.Now()
		res.Snapshots = append(res.Snapshots, snap)
		_ = s.Close()
	}
	return res, nil
}

func runSim(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := simConfig{}
	fs.IntVar(&cfg.Nodes, "nodes", 3, "number of nodes")
	fs.StringVar(&cfg.Topology, "topology", "line", "line or full")
	fs.Float64Var(&cfg.Drop, "drop", 0, "frame loss probability")
	fs.DurationVar(&cfg.Delay, "delay", 2*time.Millisecond, "link delay")
	fs.Int64Var(&cfg.Seed, "seed", 1, "random seed")
	fs.DurationVar(&cfg.Duration, "duration", 60*time.Second, "simulated time")
	fs.IntVar(&cfg.Messages, "messages", 1, "messages sent by node 00:01")
	copies := fs.Uint("copies", uint(proto.MaxCopies), "initial copy budget")
	fs.BoolVar(&cfg.RequestCopies, "request-copies", false, "relays ask sprayers for copies")
	trace := fs.Bool("trace", false, "write the packet trace to stderr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *copies == 0 || *copies > proto.MaxCopies {
		fmt.Fprintf(stderr, "--copies must be 1..%d\n", proto.MaxCopies)
		return 1
	}
	cfg.Copies = uint16(*copies)
	if *trace {
		cfg.Trace = stderr
	}
	res, err := simulate(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "sim failed: %v\n", err)
		return 1
	}
	for _, d := range res.Deliveries {
		fmt.Fprintf(stdout, "t=%s DELIVER node=%s origin=%s seq=%d via=%s %q\n",
			d.At, d.Node, d.Origin, d.Seq, d.LastHop, d.Payload)
	}
	for _, snap := range res.Snapshots {
		s, h := snap.Spray, snap.Handoff
		fmt.Fprintf(stdout, "node %s: sent=%d recv=%d delivered=%d recorded=%d dup=%d queue_full=%d confirms=%d/%d handoffs=%d/%d rejected=%d store=%d\n",
			snap.Node, s.Sent, s.Received, s.Delivered, s.Recorded, s.DropDuplicate, s.DropQueueFull,
			h.ConfirmSent, h.ConfirmRecv, h.Sent, h.Committed, h.Rejected, snap.Store.Len)
	}
	fmt.Fprintf(stdout, "delivered %d of %d\n", len(res.Deliveries), cfg.Messages)
	return 0
}
