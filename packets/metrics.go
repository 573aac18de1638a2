package packets

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

type MetricsDB struct {
	UpdateInterval time.Duration
	mu             sync.RWMutex
	Data           map[string]*PathMetrics
}

var singletonMetricsDB MetricsDB
var initOnce sync.Once

// GetMetricsDB initialises and returns the process-wide metrics table.
func GetMetricsDB() *MetricsDB {
	initOnce.Do(mustInitMetricsDB)
	return &singletonMetricsDB
}

func mustInitMetricsDB() {
	singletonMetricsDB = MetricsDB{
		Data: map[string]*PathMetrics{},
	}
}

func (mdb *MetricsDB) GetBySocket(local *snet.UDPAddr) []*PathMetrics {
	logrus.Trace("[MetricsDB] Get metrics for local ", local)
	id := local.String()
	mdb.mu.RLock()
	defer mdb.mu.RUnlock()
	metrics := make([]*PathMetrics, 0)
	for k, v := range mdb.Data {
		if strings.Contains(k, id) {
			metrics = append(metrics, v)
		}
	}

	return metrics
}

// GetOrCreate keys metrics by local address and path fingerprint.
func (mdb *MetricsDB) GetOrCreate(local *snet.UDPAddr, fingerprint string) *PathMetrics {
	id := fingerprint
	if local != nil {
		id = fmt.Sprintf("%s-%s", local.String(), fingerprint)
	}

	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	m, ok := mdb.Data[id]
	logrus.Trace("[MetricsDB] Check for id ", id, ", got ", ok)
	if !ok {
		pm := NewPathMetrics(mdb.UpdateInterval)
		pm.Fingerprint = fingerprint
		mdb.Data[id] = pm
		return pm
	}

	return m
}

// PathMetrics collects per-path counters. A path carries exactly one
// underlay route, so connection metrics and path metrics coincide.
type PathMetrics struct {
	ReadBytes        int64
	LastReadBytes    int64
	ReadPackets      int64
	WrittenBytes     int64
	LastWrittenBytes int64
	WrittenPackets   int64
	RetransmitCount  int64
	LostPackets      int64
	SRTT             time.Duration
	ReadBandwidth    []int64
	WrittenBandwidth []int64
	MaxBandwidth     int64
	UpdateInterval   time.Duration
	Fingerprint      string
}

func NewPathMetrics(updateInterval time.Duration) *PathMetrics {
	return &PathMetrics{
		UpdateInterval:   updateInterval,
		ReadBandwidth:    make([]int64, 0),
		WrittenBandwidth: make([]int64, 0),
	}
}

func (m *PathMetrics) AverageReadBandwidth() int64 {
	size := len(m.ReadBandwidth)
	if size == 0 {
		return 0
	}
	var val int64
	for _, item := range m.ReadBandwidth {
		val += item
	}

	val = val / int64(size)
	return val
}

func (m *PathMetrics) AverageWriteBandwidth() int64 {
	size := len(m.WrittenBandwidth)
	if size == 0 {
		return 0
	}
	var val int64
	for i, item := range m.WrittenBandwidth {
		if i == 0 { // First one is not representative
			continue
		}
		val += item
	}

	val = val / int64(size)
	return val
}

// Tick snapshots bandwidth since the previous tick.
func (m *PathMetrics) Tick() {
	if m.UpdateInterval == 0 {
		m.UpdateInterval = 1000 * time.Millisecond
	}

	fac := int64((1000 * time.Millisecond) / m.UpdateInterval)
	readBw := (m.ReadBytes - m.LastReadBytes) * fac
	writeBw := (m.WrittenBytes - m.LastWrittenBytes) * fac
	m.ReadBandwidth = append(m.ReadBandwidth, readBw)
	m.WrittenBandwidth = append(m.WrittenBandwidth, writeBw)
	m.LastReadBytes = m.ReadBytes
	m.LastWrittenBytes = m.WrittenBytes
}
