package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedEvents 收到的变更事件，按操作类型统计
	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ghost_im",
			Name:      "feed_events_total",
			Help:      "Change feed events applied to open conversations, by op.",
		},
		[]string{"op"},
	)

	// OptimisticReplacements 临时消息被服务端消息原位替换的次数
	OptimisticReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghost_im",
			Name:      "optimistic_replacements_total",
			Help:      "Temporary records replaced in place by their persisted row.",
		},
	)

	// Resyncs 订阅断开重连后的全量拉取次数
	Resyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ghost_im",
			Name:      "resyncs_total",
			Help:      "Full refetches triggered by a resubscribe after a feed drop.",
		},
	)

	// Deletions 删除次数，按模式统计（me/everyone/bulk）
	Deletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ghost_im",
			Name:      "deletions_total",
			Help:      "Delete operations by mode.",
		},
		[]string{"mode"},
	)

	// ReviewActions 审核操作，按动作统计（approve/reject）
	ReviewActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ghost_im",
			Name:      "review_actions_total",
			Help:      "Review workflow actions by action.",
		},
		[]string{"action"},
	)

	// StoreErrors 存储错误，按操作统计
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ghost_im",
			Name:      "store_errors_total",
			Help:      "Message store failures by operation.",
		},
		[]string{"op"},
	)

	// OpenConversations 当前打开的会话数
	OpenConversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ghost_im",
			Name:      "open_conversations",
			Help:      "Conversations currently subscribed to the change feed.",
		},
	)
)

func init() {
	prometheus.MustRegister(FeedEvents)
	prometheus.MustRegister(OptimisticReplacements)
	prometheus.MustRegister(Resyncs)
	prometheus.MustRegister(Deletions)
	prometheus.MustRegister(ReviewActions)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(OpenConversations)
}

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler 以 gin 路由的方式暴露 /metrics
func GinHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
