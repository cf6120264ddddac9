package monitoring

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
)

// Alert logs an alert. There is no paging integration yet.
func Alert(message string, labels map[string]string) {
	fields := make(map[string]interface{}, len(labels))
	for k, v := range labels {
		fields[k] = v
	}
	log.Error().
		Str("alert", message).
		Fields(fields).
		Msg("ALERT: Provisioning issue detected")
}

// Recorder turns worker pool events into metrics and alerts.
type Recorder struct{}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Ready(workers int) {
	JobsInFlight.Set(0)
}

func (r *Recorder) JobStarted(*model.ProvisioningJob) {
	JobsInFlight.Inc()
}

func (r *Recorder) JobCompleted(_ *model.ProvisioningJob, elapsed time.Duration) {
	JobsInFlight.Dec()
	TenantsProvisioned.WithLabelValues(string(model.JobCompleted)).Inc()
	ProvisioningDuration.Observe(elapsed.Seconds())
}

// JobFailed counts only final failures; retried attempts are not a tenant
// outcome yet.
func (r *Recorder) JobFailed(job *model.ProvisioningJob, err error, final bool) {
	JobsInFlight.Dec()
	if !final {
		return
	}
	TenantsProvisioned.WithLabelValues(string(model.JobFailed)).Inc()
	Alert("tenant provisioning failed permanently", map[string]string{
		"job_id":    job.ID.String(),
		"tenant_id": job.TenantID.String(),
		"subdomain": job.Subdomain,
		"kind":      fault.KindOf(err).String(),
		"error":     err.Error(),
	})
}

func (r *Recorder) JobReleased(*model.ProvisioningJob) {
	JobsInFlight.Dec()
}

func (r *Recorder) PoolError(err error) {
	PoolErrors.Inc()
	Alert("worker pool error", map[string]string{"error": err.Error()})
}
