package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_messages_sent_total",
		Help: "Total number of coordination messages published, by type.",
	}, []string{"type"})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_messages_received_total",
		Help: "Total number of coordination messages dispatched to the receiver, by type.",
	}, []string{"type"})
	channelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_errors_total",
		Help: "Total number of coordination channel failures, by operation.",
	}, []string{"op"})
	checkpointResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_checkpoint_resumes_total",
		Help: "Total number of times the reader was repositioned to the durable checkpoint.",
	})
	checkpointCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_checkpoint_commits_total",
		Help: "Total number of durable checkpoint commits.",
	})
	recordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "table_records_written_total",
		Help: "Total number of rows appended to open table write sessions.",
	})
	tableCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "table_commits_total",
		Help: "Total number of successful table append commits.",
	})
	tableCommitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "table_commit_errors_total",
		Help: "Total number of failed table append commits.",
	})
	dataFilesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "table_data_files_committed_total",
		Help: "Total number of data files attached to committed appends.",
	})
	sessionsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "table_sessions_aborted_total",
		Help: "Total number of write sessions discarded without a commit.",
	})
	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "table_commit_duration_seconds",
		Help:    "Time spent finalizing data files and committing the table append.",
		Buckets: prometheus.DefBuckets,
	})
	sourceRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "source_records_consumed_total",
		Help: "Total number of records read from source topics.",
	})
	driverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driver_errors_total",
		Help: "Total number of driver loop failures, by step.",
	}, []string{"step"})

	collectorsOnce sync.Once
)

// Init registers default Go/process collectors. It is safe to call multiple times.
func Init() {
	collectorsOnce.Do(func() {
		registerCollector(collectors.NewGoCollector())
		registerCollector(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func registerCollector(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		panic(err)
	}
}

func IncMessagesSent(msgType string) {
	messagesSent.WithLabelValues(msgType).Inc()
}

func IncMessagesReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

// IncChannelErrors counts a failure of op ("start", "send", "poll", "receive", "resume", "checkpoint", "stop").
func IncChannelErrors(op string) {
	channelErrors.WithLabelValues(op).Inc()
}

func IncCheckpointResumes() {
	checkpointResumes.Inc()
}

func IncCheckpointCommits() {
	checkpointCommits.Inc()
}

func AddRecordsWritten(n int) {
	if n <= 0 {
		return
	}
	recordsWritten.Add(float64(n))
}

// ObserveTableCommit records a successful commit of files data files.
func ObserveTableCommit(files int, elapsed time.Duration) {
	tableCommits.Inc()
	if files > 0 {
		dataFilesCommitted.Add(float64(files))
	}
	commitDuration.Observe(elapsed.Seconds())
}

func IncTableCommitErrors() {
	tableCommitErrors.Inc()
}

func IncSessionsAborted() {
	sessionsAborted.Inc()
}

func AddSourceRecords(n int) {
	if n <= 0 {
		return
	}
	sourceRecords.Add(float64(n))
}

// IncDriverErrors counts a fatal driver failure at step ("write", "process", "commit").
func IncDriverErrors(step string) {
	driverErrors.WithLabelValues(step).Inc()
}
