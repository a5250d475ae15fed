package config

import "time"

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                 string // connection string for the database
	DBMaxConns         int32  // max connections of the pool, 0 uses the pgx default
	NatsURL            string // URL of the NATS server (broadcast and presence)
	WaitForServices    string // duration to wait for other services to be ready
	LogLevel           string // sets the log level (zap log level values)
	SQLLogLevel        string // sets the log level for sql subsystem
	LogFormat          string // text vs json
	MigrationSourceURL string // location of migration files, embedded files if empty
	EnableTelemetry    bool   // enable telemetry
	TelemetryEndpoint  string // endpoint for telemetry
	ProfilingPort      int    // port for profiling
)

// DeviceConfig holds the values of the device commands
type DeviceConfig struct {
	SessionCode     string
	DeviceLabel     string // substring of the camera label to use
	FacingMode      string
	Width           int
	Height          int
	FrameRate       float64
	Threshold       uint8
	MinMotionPixels int
	SampleInterval  time.Duration
	AutoArm         bool
	Heartbeat       time.Duration
	RetryDelay      time.Duration
}

// SessionConfig holds the values of the session commands
type SessionConfig struct {
	SessionCode      string
	Distances        string
	MinDeviceVersion string
}
