package apiserver

import "time"

// APIVersion is the version segment of every versioned route
const APIVersion = "v1"

// APIPrefix is the mount point of every versioned route
const APIPrefix = "/api/" + APIVersion

// HTTP server limits. A local forced rollback answers only after its last
// step, within RequestTimeout.
const (
	RequestTimeout = 60 * time.Second
	ReadTimeout    = 15 * time.Second
	WriteTimeout   = RequestTimeout
	IdleTimeout    = 2 * time.Minute
)

// HealthCheckTimeout bounds one run of all registered health checks
const HealthCheckTimeout = 5 * time.Second

// QueueDepthWarning is the submission backlog above which the health
// endpoint answers 503
const QueueDepthWarning = 1000
