package util

// Environment variable names.
const (
	ConfigPath    = "TABLE_FORGE_CONFIG"
	LogLevel      = "TABLE_FORGE_LOG_LEVEL"
	ProfileAddr   = "PROFILE_ADDR"
	ProfileEnable = "PROFILE_ENABLED"
	// ProfileCapture writes CPU, heap and goroutine profiles of a run to ProfileDir.
	ProfileCapture = "PROFILE_CAPTURE"
	ProfileDir     = "PROFILE_DIR"
	ProfileName    = "PROFILE_NAME"
)

const (
	DefaultConfigPath  = "config.yaml"
	DefaultProfileAddr = ":6060"
	DefaultProfileDir  = "profiles"
)

const (
	DateLayout = "2006-01-02"
)
