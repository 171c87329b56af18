package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatch statistics, both as Prometheus collectors and as
// an in-process snapshot for the status API.
type Metrics struct {
	mu sync.RWMutex

	// Per-topic and per-target counts
	topics  map[string]*TopicStats
	targets map[string]*TargetStats
	backlog int
	active  int

	// Prometheus collectors
	recordsTotal       *prometheus.CounterVec
	malformedTotal     *prometheus.CounterVec
	offersTotal        *prometheus.CounterVec
	dropsTotal         *prometheus.CounterVec
	chainFailuresTotal *prometheus.CounterVec
	offerFailuresTotal *prometheus.CounterVec
	batchesTotal       *prometheus.CounterVec
	rejectedTotal      prometheus.Counter
	backlogGauge       prometheus.Gauge
	activeWorkers      prometheus.Gauge
	unitDuration       *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// TopicStats holds the counts of one source topic.
type TopicStats struct {
	Records      uint64    `json:"records"`
	Malformed    uint64    `json:"malformed"`
	LastRecordAt time.Time `json:"last_record_at,omitempty"`
}

// TargetStats holds the counts of one delivery target.
type TargetStats struct {
	Offers        uint64    `json:"offers"`
	Drops         uint64    `json:"drops"`
	ChainFailures uint64    `json:"chain_failures"`
	OfferFailures uint64    `json:"offer_failures"`
	LastOfferAt   time.Time `json:"last_offer_at,omitempty"`
}

// Snapshot is a point-in-time view of the dispatch metrics.
type Snapshot struct {
	Records       uint64                  `json:"records"`
	Malformed     uint64                  `json:"malformed"`
	Offers        uint64                  `json:"offers"`
	Drops         uint64                  `json:"drops"`
	ChainFailures uint64                  `json:"chain_failures"`
	OfferFailures uint64                  `json:"offer_failures"`
	Backlog       int                     `json:"backlog"`
	ActiveWorkers int                     `json:"active_workers"`
	Topics        map[string]*TopicStats  `json:"topics"`
	Targets       map[string]*TargetStats `json:"targets"`
	CollectedAt   time.Time               `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleflow",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ruleflow",
		Subsystem: "dispatch",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates a dispatch metrics collector. A nil registerer means
// the Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		topics:             make(map[string]*TopicStats),
		targets:            make(map[string]*TargetStats),
		registerer:         registerer,
		recordsTotal:       newCounterVec("records_total", "Records normalized, by source topic", []string{"topic"}),
		malformedTotal:     newCounterVec("malformed_total", "Raw messages skipped as malformed, by source topic", []string{"topic"}),
		offersTotal:        newCounterVec("offers_total", "Records offered to a delivery queue, by target", []string{"target"}),
		dropsTotal:         newCounterVec("drops_total", "Records a chain dropped, by target", []string{"target"}),
		chainFailuresTotal: newCounterVec("chain_failures_total", "Chain errors and panics, by target", []string{"target"}),
		offerFailuresTotal: newCounterVec("offer_failures_total", "Offers the delivery queue refused, by target", []string{"target"}),
		batchesTotal:       newCounterVec("batches_total", "Completed batches, by outcome", []string{"outcome"}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ruleflow",
			Subsystem: "dispatch",
			Name:      "rejected_total",
			Help:      "Submissions refused because the backlog was full",
		}),
		backlogGauge:  newGauge("backlog", "Units waiting for a worker"),
		activeWorkers: newGauge("active_workers", "Running workers"),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ruleflow",
			Subsystem: "dispatch",
			Name:      "unit_duration_seconds",
			Help:      "Time to normalize one record and run it through every rule",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.recordsTotal,
		m.malformedTotal,
		m.offersTotal,
		m.dropsTotal,
		m.chainFailuresTotal,
		m.offerFailuresTotal,
		m.batchesTotal,
		m.rejectedTotal,
		m.backlogGauge,
		m.activeWorkers,
		m.unitDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) topic(name string) *TopicStats {
	s, ok := m.topics[name]
	if !ok {
		s = &TopicStats{}
		m.topics[name] = s
	}
	return s
}

func (m *Metrics) target(name string) *TargetStats {
	s, ok := m.targets[name]
	if !ok {
		s = &TargetStats{}
		m.targets[name] = s
	}
	return s
}

// RecordNormalized counts a record read from topic.
func (m *Metrics) RecordNormalized(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.topic(topic)
	s.Records++
	s.LastRecordAt = time.Now()
	m.recordsTotal.WithLabelValues(topic).Inc()
}

// RecordMalformed counts a raw message from topic that failed to normalize.
func (m *Metrics) RecordMalformed(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic(topic).Malformed++
	m.malformedTotal.WithLabelValues(topic).Inc()
}

// RecordOffer counts a record offered to target.
func (m *Metrics) RecordOffer(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.target(target)
	s.Offers++
	s.LastOfferAt = time.Now()
	m.offersTotal.WithLabelValues(target).Inc()
}

// RecordDrop counts a record a chain dropped for target.
func (m *Metrics) RecordDrop(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target(target).Drops++
	m.dropsTotal.WithLabelValues(target).Inc()
}

// RecordChainFailure counts a chain error or panic for target.
func (m *Metrics) RecordChainFailure(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target(target).ChainFailures++
	m.chainFailuresTotal.WithLabelValues(target).Inc()
}

// RecordOfferFailure counts an offer to target the queue refused.
func (m *Metrics) RecordOfferFailure(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target(target).OfferFailures++
	m.offerFailuresTotal.WithLabelValues(target).Inc()
}

// RecordBatch counts a completed batch.
func (m *Metrics) RecordBatch(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.batchesTotal.WithLabelValues(outcome).Inc()
}

// RecordRejected counts a refused submission.
func (m *Metrics) RecordRejected() {
	m.rejectedTotal.Inc()
}

// ObserveUnit records how long one unit from topic took.
func (m *Metrics) ObserveUnit(topic string, d time.Duration) {
	m.unitDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// SetBacklog sets the number of queued units.
func (m *Metrics) SetBacklog(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog = n
	m.backlogGauge.Set(float64(n))
}

// SetActiveWorkers sets the number of running workers.
func (m *Metrics) SetActiveWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
	m.activeWorkers.Set(float64(n))
}

// GetSnapshot returns a point-in-time copy of all counts.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Backlog:       m.backlog,
		ActiveWorkers: m.active,
		Topics:        make(map[string]*TopicStats, len(m.topics)),
		Targets:       make(map[string]*TargetStats, len(m.targets)),
		CollectedAt:   time.Now(),
	}
	for name, s := range m.topics {
		c := *s
		snapshot.Topics[name] = &c
		snapshot.Records += s.Records
		snapshot.Malformed += s.Malformed
	}
	for name, s := range m.targets {
		c := *s
		snapshot.Targets[name] = &c
		snapshot.Offers += s.Offers
		snapshot.Drops += s.Drops
		snapshot.ChainFailures += s.ChainFailures
		snapshot.OfferFailures += s.OfferFailures
	}
	return snapshot
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*TopicStats)
	m.targets = make(map[string]*TargetStats)
	m.recordsTotal.Reset()
	m.malformedTotal.Reset()
	m.offersTotal.Reset()
	m.dropsTotal.Reset()
	m.chainFailuresTotal.Reset()
	m.offerFailuresTotal.Reset()
	m.batchesTotal.Reset()
	m.unitDuration.Reset()
}
