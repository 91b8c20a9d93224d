package monitor

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 连接指标
	ActiveDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teststand_active_devices",
		Help: "当前已注册设备数",
	})

	TotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_total_connections",
		Help: "总TCP连接数",
	})

	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_handshake_failures_total",
		Help: "CONFIG/TIMESYNC握手失败数",
	})

	// 数据指标
	PacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teststand_packets_received_total",
			Help: "按类型统计的入站包数",
		},
		[]string{"device", "type"},
	)

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_bytes_received_total",
		Help: "接收的字节总数",
	})

	SamplesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_samples_processed_total",
		Help: "处理成功的传感器读数",
	})

	// 协议指标
	AckTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_ack_timeouts_total",
		Help: "ACK等待超时数",
	})

	HeartbeatMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_heartbeat_misses_total",
		Help: "心跳ACK丢失数",
	})

	NacksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_nacks_received_total",
		Help: "收到的NACK数",
	})

	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_publish_errors_total",
		Help: "Redis发布失败数",
	})

	// 延迟指标
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "teststand_packet_processing_duration_seconds",
		Help:    "入站包处理耗时",
		Buckets: prometheus.DefBuckets,
	})

	// 运行时指标
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teststand_goroutines",
		Help: "当前Goroutine数量",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teststand_memory_usage_bytes",
		Help: "内存使用量",
	})
)

type Monitor struct {
	log *logrus.Logger
}

func NewMonitor(log *logrus.Logger) *Monitor {
	prometheus.MustRegister(
		ActiveDevices,
		TotalConnections,
		HandshakeFailures,
		PacketsReceived,
		BytesReceived,
		SamplesProcessed,
		AckTimeouts,
		HeartbeatMisses,
		NacksReceived,
		PublishErrors,
		ProcessingDuration,
		GoroutineCount,
		MemoryUsage,
	)

	return &Monitor{log: log}
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// 健康检查端点
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
}

// StartRuntimeMonitor 启动运行时监控
func (m *Monitor) StartRuntimeMonitor() {
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		for range ticker.C {
			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}
