package config

const (
	// APIBasePath is the base path for the API.
	APIBasePath = "/api/v1"
)

// API endpoint constants
const (
	APIEndpointExecutions  = "/api/v1/executions"
	APIEndpointAssessments = "/api/v1/assessments"
	APIEndpointHealth      = "/api/v1/system/health"
	APIEndpointMetrics     = "/metrics"
)

// Backend selectors
const (
	QueueTypeEmbedded    = "embedded"
	QueueTypeDistributed = "distributed"

	ArchiveTypeNone = "none"
	ArchiveTypeS3   = "s3"
)

// DefaultPort is the default API server port
const DefaultPort = 8080
