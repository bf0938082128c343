package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts Counters to a Prometheus collector so deployments that
// already scrape can point at the optional metrics listener.
type Collector struct {
	counters *Counters

	connectionsTotal  *prometheus.Desc
	connectionsActive *prometheus.Desc
	messagesTotal     *prometheus.Desc
	bytesIn           *prometheus.Desc
	bytesOut          *prometheus.Desc
	saves             *prometheus.Desc
	loads             *prometheus.Desc
	saveErrors        *prometheus.Desc
	loadsErrored      *prometheus.Desc
	errors            *prometheus.Desc
}

// NewCollector wraps the supplied counters.
func NewCollector(c *Counters) *Collector {
	return &Collector{
		counters:          c,
		connectionsTotal:  prometheus.NewDesc("mrmd_sync_connections_total", "Total accepted socket connections.", nil, nil),
		connectionsActive: prometheus.NewDesc("mrmd_sync_connections_active", "Currently open socket connections.", nil, nil),
		messagesTotal:     prometheus.NewDesc("mrmd_sync_messages_total", "Total frames processed.", nil, nil),
		bytesIn:           prometheus.NewDesc("mrmd_sync_bytes_in_total", "Total bytes received on sockets.", nil, nil),
		bytesOut:          prometheus.NewDesc("mrmd_sync_bytes_out_total", "Total bytes sent on sockets.", nil, nil),
		saves:             prometheus.NewDesc("mrmd_sync_saves_total", "Total successful storage saves.", nil, nil),
		loads:             prometheus.NewDesc("mrmd_sync_loads_total", "Total successful storage loads.", nil, nil),
		saveErrors:        prometheus.NewDesc("mrmd_sync_save_errors_total", "Total failed storage saves.", nil, nil),
		loadsErrored:      prometheus.NewDesc("mrmd_sync_loads_errored_total", "Total failed storage loads.", nil, nil),
		errors:            prometheus.NewDesc("mrmd_sync_errors_total", "Total processing errors.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsTotal
	ch <- c.connectionsActive
	ch <- c.messagesTotal
	ch <- c.bytesIn
	ch <- c.bytesOut
	ch <- c.saves
	ch <- c.loads
	ch <- c.saveErrors
	ch <- c.loadsErrored
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.connectionsTotal, prometheus.CounterValue, float64(c.counters.ConnectionsTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.connectionsActive, prometheus.GaugeValue, float64(c.counters.ConnectionsActive.Load()))
	ch <- prometheus.MustNewConstMetric(c.messagesTotal, prometheus.CounterValue, float64(c.counters.MessagesTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(c.counters.BytesIn.Load()))
	ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(c.counters.BytesOut.Load()))
	ch <- prometheus.MustNewConstMetric(c.saves, prometheus.CounterValue, float64(c.counters.Saves.Load()))
	ch <- prometheus.MustNewConstMetric(c.loads, prometheus.CounterValue, float64(c.counters.Loads.Load()))
	ch <- prometheus.MustNewConstMetric(c.saveErrors, prometheus.CounterValue, float64(c.counters.SaveErrors.Load()))
	ch <- prometheus.MustNewConstMetric(c.loadsErrored, prometheus.CounterValue, float64(c.counters.LoadsErrored.Load()))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(c.counters.Errors.Load()))
}
