package metrics

import (
	"os"
	"strconv"
	"time"

	"github.com/relaybot/relaybot/internal/observability"
)

// Application-level metrics following Prometheus conventions
const (
	AdmissionDecisionsTotal  = "admission_decisions_total"
	AdmissionSlotsInUse      = "admission_slots_in_use"
	AdmissionTrackedOrigins  = "admission_tracked_origins"
	AdmissionSweptOrigins    = "admission_swept_origins_total"
	UpdatesProcessedTotal    = "updates_processed_total"
	UpdateProcessingDuration = "update_processing_duration_ms"
	TelegramRequestsTotal    = "telegram_requests_total"
	TelegramThrottledTotal   = "telegram_throttled_total"
	BackupsTotal             = "backups_total"
	BackupsRotatedTotal      = "backups_rotated_total"
	UpdatesPrunedTotal       = "updates_pruned_total"
	MaintenanceRunsTotal     = "maintenance_runs_total"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"
	ServerStartTime     = "app_server_start_time_seconds"
)

// RecordAdmission counts one admission outcome ("admitted", "too_large",
// "rate_limited", "overloaded").
func RecordAdmission(outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			AdmissionDecisionsTotal,
			1,
			map[string]string{"outcome": outcome},
		)
	}
}

// SetAdmissionState publishes the controller's current occupancy.
func SetAdmissionState(slotsInUse int64, trackedOrigins int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(AdmissionSlotsInUse, float64(slotsInUse), nil)
		_ = observability.TelemetrySystem.Gauge(AdmissionTrackedOrigins, float64(trackedOrigins), nil)
	}
}

// RecordOriginSweep counts stale rate-limit counters dropped by a sweep.
func RecordOriginSweep(removed int) {
	if observability.TelemetrySystem != nil && removed > 0 {
		_ = observability.TelemetrySystem.Counter(AdmissionSweptOrigins, float64(removed), nil)
	}
}

// RecordUpdateProcessed records one pipeline run by final status and kind.
func RecordUpdateProcessed(status, kind string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		labels := map[string]string{
			"status": status,
			"kind":   kind,
		}
		_ = observability.TelemetrySystem.Counter(UpdatesProcessedTotal, 1, labels)
		_ = observability.TelemetrySystem.Histogram(UpdateProcessingDuration, duration, labels)
	}
}

// RecordTelegramRequest counts Bot API calls by method and outcome.
func RecordTelegramRequest(method string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			TelegramRequestsTotal,
			1,
			map[string]string{
				"method": method,
				"status": status,
			},
		)
	}
}

// RecordTelegramThrottled counts outbound sends held back by the limiter or
// rejected by Telegram with a 429.
func RecordTelegramThrottled(source string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			TelegramThrottledTotal,
			1,
			map[string]string{"source": source},
		)
	}
}

// RecordBackup records a snapshot attempt and how many old snapshots rotated out.
func RecordBackup(success bool, rotated int) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(BackupsTotal, 1, map[string]string{"status": status})
		if rotated > 0 {
			_ = observability.TelemetrySystem.Counter(BackupsRotatedTotal, float64(rotated), nil)
		}
	}
}

// RecordUpdatesPruned counts update transcripts removed by retention.
func RecordUpdatesPruned(count int64) {
	if observability.TelemetrySystem != nil && count > 0 {
		_ = observability.TelemetrySystem.Counter(UpdatesPrunedTotal, float64(count), nil)
	}
}

// RecordMaintenanceRun records one scheduled chore execution.
func RecordMaintenanceRun(chore string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			MaintenanceRunsTotal,
			1,
			map[string]string{
				"chore":  chore,
				"status": status,
			},
		)
		_ = observability.TelemetrySystem.Histogram(
			MaintenanceRunsTotal+"_duration_ms",
			duration,
			map[string]string{"chore": chore},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			map[string]string{"pid": strconv.Itoa(os.Getpid())},
		)
	}
}
