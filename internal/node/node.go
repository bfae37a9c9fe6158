// Package node wires a configured DTN node together: the event loop, the
// QUIC transport, the session, and its observability outputs.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"spraydtn/internal/config"
	"spraydtn/internal/debuglog"
	"spraydtn/internal/dtn"
	"spraydtn/internal/eventloop"
	"spraydtn/internal/metrics"
	"spraydtn/internal/network"
	"spraydtn/internal/pprofutil"
	"spraydtn/internal/proto"
	"spraydtn/internal/store"
)

type Options struct {
	// Deliver runs on the event loop for each message addressed to the
	// node.
	Deliver func(p proto.Packet, lastHop proto.Addr)
	// Log receives operator notices such as the pprof URL.
	Log io.Writer
}

type Node struct {
	Self proto.Addr

	cfg       config.Config
	opts      Options
	loop      *eventloop.Loop
	transport *network.Transport
	session   *dtn.Session
	metrics   *metrics.Metrics
	traceFile *os.File
	pprof     *pprofutil.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewNode(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self, _ := cfg.SelfAddr()
	n := &Node{
		Self:    self,
		cfg:     cfg,
		opts:    opts,
		loop:    eventloop.New(0),
		metrics: metrics.New().WithNode(self),
	}
	trace := debuglog.NopTrace()
	if cfg.Debug.Trace != "" {
		f, err := os.OpenFile(cfg.Debug.Trace, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		n.traceFile = f
		trace = debuglog.NewTrace(f, self)
	}

	neighbors := make([]network.Neighbor, 0, len(cfg.Neighbors))
	for _, nc := range cfg.Neighbors {
		addr, _ := nc.Address()
		neighbors = append(neighbors, network.Neighbor{Addr: addr, Host: nc.Endpoint})
	}
	tc := cfg.Transport
	tr, err := network.New(network.Config{
		Self:            self,
		Listen:          cfg.Node.Listen,
		Neighbors:       neighbors,
		Insecure:        tc.Insecure,
		CAPath:          tc.CAPath,
		MaxConnsPerIP:   tc.MaxConnsPerIP,
		MaxStreamsPerIP: tc.MaxStreamsPerIP,
		DatagramRate:    tc.DatagramRate,
		DatagramBurst:   tc.DatagramBurst,
		AckTimeout:      tc.AckTimeout,
	}, n.loop.Post)
	if err != nil {
		n.closeTrace()
		return nil, err
	}
	n.transport = tr

	sopts := SessionOptions(cfg)
	sopts.Trace = trace
	sopts.Metrics = n.metrics
	s, err := dtn.Open(tr, n.loop, self, cfg.Node.Channel, dtn.Callbacks{Deliver: opts.Deliver}, sopts)
	if err != nil {
		n.closeTrace()
		return nil, err
	}
	n.session = s
	return n, nil
}

// SessionOptions maps the [protocol] section onto session options.
func SessionOptions(cfg config.Config) dtn.Options {
	p := cfg.Protocol
	opts := dtn.DefaultOptions()
	opts.Copies = p.Copies
	opts.QueueCap = p.Queue
	opts.SprayInterval = p.SprayInterval
	opts.Lifetime = p.Lifetime
	opts.JitterMin = p.JitterMin
	opts.JitterMax = p.JitterMax
	opts.HandoffRetries = p.HandoffRetries
	opts.RequestCopies = p.RequestCopies
	return opts
}

func (n *Node) ListenAddr() string { return n.transport.ListenAddr() }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// AddNeighbor registers a neighbor endpoint after start-up.
func (n *Node) AddNeighbor(addr proto.Addr, endpoint string) {
	n.transport.AddNeighbor(addr, endpoint)
}

func (n *Node) Send(ctx context.Context, dest proto.Addr, payload []byte) error {
	var sendErr error
	if err := n.loop.Do(ctx, func() { sendErr = n.session.Send(dest, payload) }); err != nil {
		return err
	}
	return sendErr
}

// Entries snapshots the message store from the event loop.
func (n *Node) Entries(ctx context.Context) ([]store.Entry, error) {
	var out []store.Entry
	if err := n.loop.Do(ctx, func() { out = n.session.Entries() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Run drives the event loop until ctx is cancelled, then shuts the node
// down and writes a final metrics snapshot.
func (n *Node) Run(ctx context.Context) error {
	pp, err := pprofutil.Start(n.cfg.Debug.Pprof, n.opts.Log)
	if err != nil {
		debuglog.Warnf("pprof: %v", err)
	}
	n.pprof = pp
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if n.cfg.Metrics.Snapshot != "" {
		go n.snapshotLoop(ctx)
	}
	debuglog.Logf("node %s running on %s", n.Self, n.ListenAddr())
	err = n.loop.Run(ctx)
	if shutErr := n.Close(); shutErr != nil && err == nil {
		err = shutErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (n *Node) snapshotLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.Metrics.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.writeSnapshot()
		}
	}
}

func (n *Node) writeSnapshot() {
	if n.cfg.Metrics.Snapshot == "" {
		return
	}
	if err := n.metrics.WriteSnapshot(n.cfg.Metrics.Snapshot); err != nil {
		debuglog.RateLimitedf("snapshot", time.Minute, "metrics snapshot %s: %v", n.cfg.Metrics.Snapshot, err)
	}
}

// Close stops the loop and the session. Run calls it on exit; call it
// directly only for a node that was never run.
func (n *Node) Close() error {
	n.shutdownOnce.Do(func() {
		n.loop.Close()
		// The loop no longer executes tasks, so the session can be
		// closed from here.
		n.shutdownErr = n.session.Close()
		n.writeSnapshot()
		n.closeTrace()
		_ = n.pprof.Close()
	})
	return n.shutdownErr
}

func (n *Node) closeTrace() {
	if n.traceFile != nil {
		_ = n.traceFile.Close()
		n.traceFile = nil
	}
}
