// Package config provides application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. WSM_API_PORT.
const Prefix = "WSM"

// CloudModeEmulator runs every cloud call against the in-process emulator.
const CloudModeEmulator = "emulator"

// Settings holds all application configuration.
type Settings struct {
	// Application metadata
	Version   string `envconfig:"VERSION" default:"0.1.0"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	// API server settings
	APIHost string `envconfig:"API_HOST" default:"0.0.0.0"`
	APIPort int    `envconfig:"API_PORT" default:"8080" validate:"gte=1,lte=65535"`

	// Database settings
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/wsm/wsm.db" validate:"required"`

	// Auth settings
	JWTSecret string `envconfig:"JWT_SECRET" default:"" validate:"required,min=16"` // Must be set!

	// Authorization service. An empty URL selects the in-process mock.
	SamBaseURL      string        `envconfig:"SAM_BASE_URL" default:"" validate:"omitempty,url"`
	SamServiceToken string        `envconfig:"SAM_SERVICE_TOKEN" default:""`
	SamTimeout      time.Duration `envconfig:"SAM_TIMEOUT" default:"30s"`
	SamRateLimit    float64       `envconfig:"SAM_RATE_LIMIT" default:"20" validate:"gt=0"`

	// Workflow engine
	EnginePollInterval     time.Duration `envconfig:"ENGINE_POLL_INTERVAL" default:"1s" validate:"gt=0"`
	EngineIdlePollInterval time.Duration `envconfig:"ENGINE_IDLE_POLL_INTERVAL" default:"10s" validate:"gt=0"`
	EngineReaperInterval   time.Duration `envconfig:"ENGINE_REAPER_INTERVAL" default:"30s" validate:"gt=0"`
	EngineLockDuration     time.Duration `envconfig:"ENGINE_LOCK_DURATION" default:"5m" validate:"gt=0"`
	MaxConcurrentWorkflows int           `envconfig:"MAX_CONCURRENT_WORKFLOWS" default:"20" validate:"gte=1"`
	NodeID                 string        `envconfig:"NODE_ID" default:""`

	// Waits on child workflows inside a workflow
	WaitPollInterval time.Duration `envconfig:"WAIT_POLL_INTERVAL" default:"10s" validate:"gt=0"`
	WaitMaxCycles    int           `envconfig:"WAIT_MAX_CYCLES" default:"360" validate:"gte=1"`

	// Waits of synchronous API calls
	SyncPollInterval time.Duration `envconfig:"SYNC_POLL_INTERVAL" default:"500ms" validate:"gt=0"`
	SyncMaxCycles    int           `envconfig:"SYNC_MAX_CYCLES" default:"240" validate:"gte=1"`

	// Storage transfer polling during bucket clones
	TransferJobPollInterval time.Duration `envconfig:"TRANSFER_JOB_POLL_INTERVAL" default:"10s" validate:"gt=0"`
	TransferJobPollAttempts int           `envconfig:"TRANSFER_JOB_POLL_ATTEMPTS" default:"25" validate:"gte=1"`
	TransferOpPollInterval  time.Duration `envconfig:"TRANSFER_OP_POLL_INTERVAL" default:"30s" validate:"gt=0"`
	TransferOpPollAttempts  int           `envconfig:"TRANSFER_OP_POLL_ATTEMPTS" default:"25" validate:"gte=1"`

	// Cloud
	GCPBillingAccount string `envconfig:"GCP_BILLING_ACCOUNT" default:""`
	CloudMode         string `envconfig:"CLOUD_MODE" default:"emulator" validate:"oneof=emulator"`

	// Telemetry
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool `envconfig:"TRACING_ENABLED" default:"false"`
}

// ListenAddr returns the address string for the HTTP server to bind to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

// UsesSamMock reports whether authorization runs against the in-process mock.
func (s *Settings) UsesSamMock() bool {
	return s.SamBaseURL == ""
}

var validate = validator.New()

// Validate checks the settings a server needs to start.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if s.EngineIdlePollInterval < s.EnginePollInterval {
		return fmt.Errorf("invalid config: idle poll interval %s is shorter than poll interval %s",
			s.EngineIdlePollInterval, s.EnginePollInterval)
	}
	return nil
}

// Load creates a new Settings instance from environment variables.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process(Prefix, s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return s, nil
}
