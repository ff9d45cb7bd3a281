package paging

import "github.com/prometheus/client_golang/prometheus"

type PagingMetrics struct {
	pagedMessages   prometheus.Counter
	pagedBytes      prometheus.Counter
	pagesCreated    prometheus.Counter
	pagesRetired    prometheus.Counter
	incompletePages prometheus.Counter
	writesFailed    prometheus.Counter
	pagingAddresses prometheus.Gauge
	transitions     *prometheus.CounterVec
}

func NewPagingMetrics(registerer prometheus.Registerer) *PagingMetrics {
	m := &PagingMetrics{}

	m.pagedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_total",
		Help: "Total number of messages written to pages.",
	})

	m.pagedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "message_bytes_total",
		Help: "Total number of message body bytes written to pages.",
	})

	m.pagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pages_created_total",
		Help: "Total number of page files created.",
	})

	m.pagesRetired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pages_retired_total",
		Help: "Total number of page files removed after every queue consumed them.",
	})

	m.incompletePages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incomplete_pages_total",
		Help: "Total number of incomplete pages truncated on load.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of page writes that failed.",
	})

	m.pagingAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "addresses",
		Help: "Number of addresses in paging mode.",
	})

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transitions_total",
		Help: "Total number of paging mode transitions, by direction.",
	}, []string{"direction"})

	if registerer != nil {
		registerer.MustRegister(
			m.pagedMessages, m.pagedBytes, m.pagesCreated, m.pagesRetired,
			m.incompletePages, m.writesFailed, m.pagingAddresses, m.transitions,
		)
	}

	return m
}
