// +build bootstrap

// Used at initial bootstrap only so we don't depend on Prometheus for that.

package metrics

import (
	"time"

	"github.com/anvil-build/anvil/src/config"
)

// InitFromConfig does nothing in this file, it's just a stub.
func InitFromConfig(cfg *config.Configuration) {}

// RecordCASLookup does nothing in this file, it's just a stub.
func RecordCASLookup(hit bool) {}

// RecordActionCacheLookup does nothing in this file, it's just a stub.
func RecordActionCacheLookup(hit bool) {}

// RecordGCRun does nothing in this file, it's just a stub.
func RecordGCRun() {}

// RecordSandboxDuration does nothing in this file, it's just a stub.
func RecordSandboxDuration(d time.Duration) {}

// SetSchedulerQueueDepth does nothing in this file, it's just a stub.
func SetSchedulerQueueDepth(n int) {}

// Stop does nothing in this file, it's just a stub.
func Stop() {}
