package models

import "time"

// CleanupLog is one audit entry of the hard-delete job.
type CleanupLog struct {
	ID              string    `json:"id,omitempty"`
	MessagesDeleted int       `json:"messages_deleted"`
	DurationMS      int64     `json:"duration_ms"`
	Error           *string   `json:"error,omitempty"`
	ExecutedAt      time.Time `json:"executed_at,omitempty"`
}

// CleanupLogEntry is the insert payload of a cleanup_logs row; executed_at is set by the database.
type CleanupLogEntry struct {
	MessagesDeleted int     `json:"messages_deleted"`
	DurationMS      int64   `json:"duration_ms"`
	Error           *string `json:"error,omitempty"`
}

// CleanupResult is the response of a successful cleanup run.
type CleanupResult struct {
	Success         bool  `json:"success"`
	MessagesDeleted int   `json:"messagesDeleted"`
	Duration        int64 `json:"duration"`
}

// CleanupStats aggregates recent cleanup runs for the admin dashboard.
type CleanupStats struct {
	Runs                 int        `json:"runs"`
	TotalMessagesDeleted int        `json:"totalMessagesDeleted"`
	AverageDurationMS    float64    `json:"averageDuration"`
	LastCleanup          *time.Time `json:"lastCleanup"`
	ErrorRate            float64    `json:"errorRate"`
}

// SummarizeCleanupLogs aggregates logs ordered newest first.
func SummarizeCleanupLogs(logs []CleanupLog) CleanupStats {
	var stats CleanupStats
	if len(logs) == 0 {
		return stats
	}

	var totalDuration int64
	var errors int
	for _, l := range logs {
		stats.TotalMessagesDeleted += l.MessagesDeleted
		totalDuration += l.DurationMS
		if l.Error != nil && *l.Error != "" {
			errors++
		}
	}

	last := logs[0].ExecutedAt
	stats.Runs = len(logs)
	stats.AverageDurationMS = float64(totalDuration) / float64(len(logs))
	stats.ErrorRate = float64(errors) / float64(len(logs)) * 100
	stats.LastCleanup = &last
	return stats
}
