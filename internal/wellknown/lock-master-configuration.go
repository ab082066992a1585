package wellknown

// LockMasterConfigurationPath is appended to the Lock Master base URL.
const LockMasterConfigurationPath = "/.well-known/lock-master-configuration"

// LockMasterConfiguration is the Lock Master discovery document.
type LockMasterConfiguration struct {
	Version           string `json:"version,omitempty"`
	Issuer            string `json:"issuer,omitempty"`
	OAuthAsWellKnown  string `json:"oauth_as_well_known"`
	ConfigURI         string `json:"config_uri"`
	LockSSEURI        string `json:"lock_sse_uri,omitempty"`
	AuditEndpoint     string `json:"audit_endpoint,omitempty"`
	HealthEndpoint    string `json:"health_endpoint,omitempty"`
	LogEndpoint       string `json:"log_endpoint,omitempty"`
	TelemetryEndpoint string `json:"telemetry_endpoint,omitempty"`
}
