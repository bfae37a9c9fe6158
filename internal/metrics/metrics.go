package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"spraydtn/internal/proto"
)

type Delivery struct {
	Origin  proto.Addr `json:"origin"`
	Seq     uint16     `json:"seq"`
	LastHop proto.Addr `json:"last_hop"`
	Bytes   int        `json:"bytes"`
	At      time.Time  `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Node        string         `json:"node,omitempty"`
	Spray       SprayMetrics   `json:"spray"`
	Handoff     HandoffMetrics `json:"handoff"`
	Store       StoreMetrics   `json:"store"`
	Latency     LatencyMetrics `json:"handoff_latency"`
	Recent      []Delivery     `json:"recent"`
}

type SprayMetrics struct {
	Originated    uint64 `json:"originated"`
	Sent          uint64 `json:"sent"`
	Received      uint64 `json:"received"`
	Delivered     uint64 `json:"delivered"`
	Recorded      uint64 `json:"recorded"`
	DropMalformed uint64 `json:"drop_malformed"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropQueueFull uint64 `json:"drop_queue_full"`
}

type HandoffMetrics struct {
	ConfirmSent uint64 `json:"confirm_sent"`
	ConfirmRecv uint64 `json:"confirm_recv"`
	RequestSent uint64 `json:"request_sent"`
	Sent        uint64 `json:"sent"`
	Committed   uint64 `json:"committed"`
	Rejected    uint64 `json:"rejected"`
	Received    uint64 `json:"received"`
}

type StoreMetrics struct {
	Evicted uint64 `json:"evicted"`
	Len     int64  `json:"len"`
}

type LatencyMetrics struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Metrics is shared between the event loop and the snapshot writer, so
// every field is atomic or guarded.
type Metrics struct {
	node string

	originated    atomic.Uint64
	spraySent     atomic.Uint64
	sprayRecv     atomic.Uint64
	delivered     atomic.Uint64
	recorded      atomic.Uint64
	dropMalformed atomic.Uint64
	dropDuplicate atomic.Uint64
	dropQueueFull atomic.Uint64

	confirmSent      atomic.Uint64
	confirmRecv      atomic.Uint64
	requestSent      atomic.Uint64
	handoffSent      atomic.Uint64
	handoffCommitted atomic.Uint64
	handoffRejected  atomic.Uint64
	handoffRecv      atomic.Uint64

	evicted  atomic.Uint64
	storeLen atomic.Int64

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram

	recent *DeliveryRecent
}

func New() *Metrics {
	return &Metrics{
		hist:   hdrhistogram.New(1, int64(time.Hour), 3),
		recent: NewDeliveryRecent(64),
	}
}

// WithNode labels snapshots with the owning node's address.
func (m *Metrics) WithNode(a proto.Addr) *Metrics {
	m.node = a.String()
	return m
}

func (m *Metrics) Recent() *DeliveryRecent {
	return m.recent
}

func (m *Metrics) IncOriginated() { m.originated.Add(1) }
func (m *Metrics) IncSpraySent() { m.spraySent.Add(1) }
func (m *Metrics) IncSprayRecv() { m.sprayRecv.Add(1) }
func (m *Metrics) IncRecorded() { m.recorded.Add(1) }
func (m *Metrics) IncDropMalformed() { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropDuplicate() { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropQueueFull() { m.dropQueueFull.Add(1) }
func (m *Metrics) IncConfirmSent() { m.confirmSent.Add(1) }
func (m *Metrics) IncConfirmRecv() { m.confirmRecv.Add(1) }
func (m *Metrics) IncRequestSent() { m.requestSent.Add(1) }
func (m *Metrics) IncHandoffSent() { m.handoffSent.Add(1) }
func (m *Metrics) IncHandoffRecv() { m.handoffRecv.Add(1) }
func (m *Metrics) IncEvicted() { m.evicted.Add(1) }

func (m *Metrics) IncHandoffRejected() {
	m.handoffRejected.Add(1)
}

// ObserveHandoffCommitted records a committed handoff and how long the
// reliable channel took to confirm it.
func (m *Metrics) ObserveHandoffCommitted(rtt time.Duration) {
	m.handoffCommitted.Add(1)
	if rtt < 1 {
		rtt = 1
	}
	m.histMu.Lock()
	_ = m.hist.RecordValue(int64(rtt))
	m.histMu.Unlock()
}

func (m *Metrics) ObserveDelivered(d Delivery) {
	m.delivered.Add(1)
	m.recent.Add(d)
}

func (m *Metrics) SetStoreLen(n int) {
	m.storeLen.Store(int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Delivery{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.histMu.Lock()
	lat := LatencyMetrics{
		Count: m.hist.TotalCount(),
		P50:   time.Duration(m.hist.ValueAtQuantile(50.)),
		P95:   time.Duration(m.hist.ValueAtQuantile(95.)),
		P99:   time.Duration(m.hist.ValueAtQuantile(99.)),
		Max:   time.Duration(m.hist.Max()),
	}
	m.histMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Node:        m.node,
		Spray: SprayMetrics{
			Originated:    m.originated.Load(),
			Sent:          m.spraySent.Load(),
			Received:      m.sprayRecv.Load(),
			Delivered:     m.delivered.Load(),
			Recorded:      m.recorded.Load(),
			DropMalformed: m.dropMalformed.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
			DropQueueFull: m.dropQueueFull.Load(),
		},
		Handoff: HandoffMetrics{
			ConfirmSent: m.confirmSent.Load(),
			ConfirmRecv: m.confirmRecv.Load(),
			RequestSent: m.requestSent.Load(),
			Sent:        m.handoffSent.Load(),
			Committed:   m.handoffCommitted.Load(),
			Rejected:    m.handoffRejected.Load(),
			Received:    m.handoffRecv.Load(),
		},
		Store: StoreMetrics{
			Evicted: m.evicted.Load(),
			Len:     m.storeLen.Load(),
		},
		Latency: lat,
		Recent:  recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

type DeliveryRecent struct {
	mu   sync.Mutex
	cap  int
	list []Delivery
}

func NewDeliveryRecent(capacity int) *DeliveryRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DeliveryRecent{cap: capacity}
}

func (r *DeliveryRecent) Add(d Delivery) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = d
		return
	}
	r.list = append(r.list, d)
}

func (r *DeliveryRecent) List() []Delivery {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.list))
	copy(out, r.list)
	return out
}
