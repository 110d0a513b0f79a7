package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfer Metrics

	// TransfersTotal 按终态统计的传输总数
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zsync_transfers_total",
			Help: "Total number of transfers by terminal status",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	// ActiveTransfers 当前活跃（已调度或传输中）的传输数
	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zsync_active_transfers",
			Help: "Number of transfers currently scheduled or transferring",
		},
	)

	// QueuedTransfers 当前排队中的传输数
	QueuedTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zsync_queued_transfers",
			Help: "Number of transfers waiting in the queue",
		},
	)

	// TransferDuration 传输耗时
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zsync_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"type"}, // upload, download, sync
	)

	// TransferBytes 传输的字节数
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zsync_transfer_bytes_total",
			Help: "Total number of bytes transferred",
		},
		[]string{"type"},
	)

	// TransferRetries 传输重试次数
	TransferRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zsync_transfer_retries_total",
			Help: "Total number of transfer retries",
		},
	)

	// SSH Pool Metrics

	// PoolConnectionsTotal 连接池中的连接总数
	PoolConnectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zsync_ssh_pool_connections",
			Help: "Total number of pooled SSH connections",
		},
	)

	// PoolConnectionsInUse 连接池中正在使用的连接数
	PoolConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zsync_ssh_pool_connections_in_use",
			Help: "Number of pooled SSH connections currently in use",
		},
	)

	// PoolAcquireErrors 获取连接失败次数
	PoolAcquireErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zsync_ssh_pool_acquire_errors_total",
			Help: "Total number of SSH connection acquire failures",
		},
	)

	// Scheduler Metrics

	// ScansTotal 按结果统计的扫描总数
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zsync_scans_total",
			Help: "Total number of job scans by result",
		},
		[]string{"result"}, // success, failed, timeout
	)

	// ScanDuration 扫描耗时
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zsync_scan_duration_seconds",
			Help:    "Job scan duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	// JobsInError 处于 ERROR 状态的任务数
	JobsInError = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zsync_jobs_in_error",
			Help: "Number of sync jobs suspended in error state",
		},
	)

	// Recovery Metrics

	// OrphanedTransfersRecovered 恢复的孤儿传输数
	OrphanedTransfersRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zsync_orphaned_transfers_recovered_total",
			Help: "Total number of orphaned transfers cleaned up",
		},
	)

	// StuckTransfersRecovered 恢复的卡死传输数
	StuckTransfersRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zsync_stuck_transfers_recovered_total",
			Help: "Total number of stuck transfers recovered",
		},
	)
)
