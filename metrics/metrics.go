package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claude_console"

var (
	ConversationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversations_started_total",
		Help:      "Conversations started, including resumes.",
	})

	ConversationsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversations_closed_total",
		Help:      "Conversation subprocesses that exited.",
	})

	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_broadcast_total",
		Help:      "Stream records forwarded to the fan-out.",
	})

	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Malformed JSONL lines skipped while reading session files.",
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Live conversation subprocesses.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Attached SSE subscribers across all streams.",
	})
)

// Handler exposes the default registry as a Gin handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
