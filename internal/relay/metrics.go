package relay

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the relay's operational counters. The same numbers back the
// Prometheus registry and the JSON /stats snapshot.
type Metrics struct {
	startedAt time.Time

	connsOpened   prometheus.Counter
	connsClosed   prometheus.Counter
	activeConns   prometheus.Gauge
	messagesIn    prometheus.Counter
	messagesOut   prometheus.Counter
	docsLoaded    prometheus.Counter
	docsSaved     prometheus.Counter
	saveErrors    prometheus.Counter
	totalErrors   prometheus.Counter
	activeDocsVal atomic.Int64

	opened atomic.Int64
	closed atomic.Int64
	msgIn  atomic.Int64
	msgOut atomic.Int64
	loads  atomic.Int64
	saves  atomic.Int64
	savErr atomic.Int64
	errs   atomic.Int64
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedAt: time.Now(),
		connsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_opened_total",
			Help: "Sync WebSocket connections accepted.",
		}),
		connsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_closed_total",
			Help: "Sync WebSocket connections closed.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently open sync WebSocket connections.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_in_total",
			Help: "Protocol frames received from clients.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_out_total",
			Help: "Protocol frames sent to clients.",
		}),
		docsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_docs_loaded_total",
			Help: "Documents loaded into memory.",
		}),
		docsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_docs_saved_total",
			Help: "Successful document persists.",
		}),
		saveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_save_errors_total",
			Help: "Failed document persists (left dirty for retry).",
		}),
		totalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Protocol and internal errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connsOpened, m.connsClosed, m.activeConns,
			m.messagesIn, m.messagesOut, m.docsLoaded, m.docsSaved,
			m.saveErrors, m.totalErrors)
	}
	return m
}

func (m *Metrics) ConnOpened() {
	m.connsOpened.Inc()
	m.activeConns.Inc()
	m.opened.Add(1)
}

func (m *Metrics) ConnClosed() {
	m.connsClosed.Inc()
	m.activeConns.Dec()
	m.closed.Add(1)
}

func (m *Metrics) MessageIn()  { m.messagesIn.Inc(); m.msgIn.Add(1) }
func (m *Metrics) MessageOut() { m.messagesOut.Inc(); m.msgOut.Add(1) }
func (m *Metrics) DocLoaded()  { m.docsLoaded.Inc(); m.loads.Add(1); m.activeDocsVal.Add(1) }
func (m *Metrics) DocEvicted() { m.activeDocsVal.Add(-1) }
func (m *Metrics) DocSaved()   { m.docsSaved.Inc(); m.saves.Add(1) }
func (m *Metrics) SaveError()  { m.saveErrors.Inc(); m.savErr.Add(1); m.errs.Add(1); m.totalErrors.Inc() }
func (m *Metrics) Error()      { m.totalErrors.Inc(); m.errs.Add(1) }

// Snapshot is the JSON shape served by /stats.
type Snapshot struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	ConnectionsOpened int64 `json:"connections_opened"`
	ConnectionsClosed int64 `json:"connections_closed"`
	ActiveConnections int64 `json:"active_connections"`
	ActiveDocs        int64 `json:"active_docs"`
	MessagesIn        int64 `json:"messages_in"`
	MessagesOut       int64 `json:"messages_out"`
	DocsLoaded        int64 `json:"docs_loaded"`
	DocsSaved         int64 `json:"docs_saved"`
	SaveErrors        int64 `json:"save_errors"`
	TotalErrors       int64 `json:"total_errors"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:     int64(time.Since(m.startedAt).Seconds()),
		ConnectionsOpened: m.opened.Load(),
		ConnectionsClosed: m.closed.Load(),
		ActiveConnections: m.opened.Load() - m.closed.Load(),
		ActiveDocs:        m.activeDocsVal.Load(),
		MessagesIn:        m.msgIn.Load(),
		MessagesOut:       m.msgOut.Load(),
		DocsLoaded:        m.loads.Load(),
		DocsSaved:         m.saves.Load(),
		SaveErrors:        m.savErr.Load(),
		TotalErrors:       m.errs.Load(),
	}
}
