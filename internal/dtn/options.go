package dtn

import (
	"math/rand"
	"time"

	"spraydtn/internal/debuglog"
	"spraydtn/internal/metrics"
	"spraydtn/internal/proto"
	"spraydtn/internal/store"
)

const (
	DefaultSprayInterval  = 5 * time.Second
	DefaultJitterMin      = 10 * time.Millisecond
	DefaultJitterMax      = 20 * time.Millisecond
	DefaultHandoffRetries = 3
)

type Options struct {
	// Copies is the replication budget given to messages this node
	// originates. Capped at proto.MaxCopies.
	Copies        uint16
	QueueCap      int
	SprayInterval time.Duration
	// Lifetime sets each entry's expiry; zero derives it from the spray
	// interval and queue size.
	Lifetime       time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration
	HandoffRetries int
	// RequestCopies lets a relay ask the sprayer for a share of a fresh
	// message's budget. Off by default: relays then only forward what
	// they are handed.
	RequestCopies bool

	Rand    *rand.Rand
	Trace   *debuglog.Trace
	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		Copies:         proto.MaxCopies,
		QueueCap:       store.DefaultCapacity,
		SprayInterval:  DefaultSprayInterval,
		JitterMin:      DefaultJitterMin,
		JitterMax:      DefaultJitterMax,
		HandoffRetries: DefaultHandoffRetries,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Copies == 0 {
		o.Copies = def.Copies
	}
	if o.Copies > proto.MaxCopies {
		o.Copies = proto.MaxCopies
	}
	if o.QueueCap <= 0 {
		o.QueueCap = def.QueueCap
	}
	if o.SprayInterval <= 0 {
		o.SprayInterval = def.SprayInterval
	}
	if o.Lifetime <= 0 {
		o.Lifetime = store.DefaultLifetime(o.SprayInterval, o.QueueCap)
	}
	if o.JitterMin < 0 {
		o.JitterMin = 0
	}
	if o.JitterMax < o.JitterMin {
		o.JitterMax = o.JitterMin
	}
	if o.HandoffRetries < 0 {
		o.HandoffRetries = def.HandoffRetries
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Trace == nil {
		o.Trace = debuglog.NopTrace()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o
}
