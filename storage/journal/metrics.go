package journal

import "github.com/prometheus/client_golang/prometheus"

type JournalMetrics struct {
	appends          *prometheus.CounterVec
	fsyncs           prometheus.Counter
	fsyncDuration    prometheus.Summary
	writesFailed     prometheus.Counter
	rotations        prometheus.Counter
	files            prometheus.Gauge
	compactions      prometheus.Counter
	compactedRecords prometheus.Counter
	filesReclaimed   prometheus.Counter
	tornTails        prometheus.Counter
}

func NewJournalMetrics(registerer prometheus.Registerer) *JournalMetrics {
	m := &JournalMetrics{}

	m.appends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appends_total",
		Help: "Total number of records appended, by kind.",
	}, []string{"kind"})

	m.fsyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsyncs_total",
		Help: "Total number of journal file fsyncs.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of journal fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of journal writes that failed.",
	})

	m.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "file_rotations_total",
		Help: "Total number of journal file rotations.",
	})

	m.files = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "files",
		Help: "Number of journal files on disk.",
	})

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of completed compaction passes.",
	})

	m.compactedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compacted_records_total",
		Help: "Total number of live records rewritten by compaction.",
	})

	m.filesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "files_reclaimed_total",
		Help: "Total number of journal files removed by compaction.",
	})

	m.tornTails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "torn_tails_total",
		Help: "Total number of torn file tails truncated during replay.",
	})

	if registerer != nil {
		registerer.MustRegister(
			m.appends, m.fsyncs, m.fsyncDuration, m.writesFailed, m.rotations,
			m.files, m.compactions, m.compactedRecords, m.filesReclaimed, m.tornTails,
		)
	}

	return m
}
