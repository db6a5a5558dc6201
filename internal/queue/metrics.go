package queue

import "github.com/prometheus/client_golang/prometheus"

var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "relaymta",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of queued (not in-flight) messages",
	},
	[]string{"location"},
)

var inflightMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "relaymta",
		Subsystem: "queue",
		Name:      "inflight",
		Help:      "Amount of messages currently claimed for delivery",
	},
	[]string{"location"},
)

func init() {
	prometheus.MustRegister(queuedMsgs)
	prometheus.MustRegister(inflightMsgs)
}
