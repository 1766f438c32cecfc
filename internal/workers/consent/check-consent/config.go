// internal/workers/consent/check-consent/config.go
package checkconsent

import (
	"time"

	"practice-rules-engine/internal/common/config"
)

type Config struct {
	Timeout time.Duration
	// ThrowOnDenied raises CONSENT_DENIED as a BPMN error instead of
	// completing the job with granted=false.
	ThrowOnDenied bool
}

func LoadConfig(cfg *config.Config) *Config {
	wc := config.GetWorkerConfig(cfg, TaskType)
	timeout := config.GetDuration(wc.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Config{Timeout: timeout, ThrowOnDenied: true}
}
