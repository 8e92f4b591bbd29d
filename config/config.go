package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	SignalingPort   int
	Environment     string
	DeviceName      string
	DeviceType      string
	ServiceType     string
	AllowedOrigins  []string
	PairingSecret   string
	Quality         string
	MetricsInterval time.Duration
	LogLevel        string
	LogFormat       string
	ICE             ICEConfig
	Redis           RedisConfig
	Capabilities    CapabilityOverrides
}

type ICEConfig struct {
	STUNURLs       []string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
	ForceRelay     bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// CapabilityOverrides lets a deployment switch off platform features that
// would otherwise be detected as available. Nil means "detect".
type CapabilityOverrides struct {
	HostServer *bool
	RawSockets *bool
	Discovery  *bool
	Capture    *bool
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "lancast"
	}

	return &Config{
		SignalingPort:   getEnvInt("SIGNALING_PORT", 8765),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DeviceName:      getEnv("DEVICE_NAME", hostname),
		DeviceType:      getEnv("DEVICE_TYPE", "desktop"),
		ServiceType:     getEnv("SERVICE_TYPE", "_lancast._tcp"),
		AllowedOrigins:  origins,
		PairingSecret:   getEnv("PAIRING_SECRET", ""),
		Quality:         getEnv("QUALITY", "medium"),
		MetricsInterval: getEnvDuration("METRICS_INTERVAL", 2*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		ICE: ICEConfig{
			STUNURLs:       splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			TURNURL:        getEnv("TURN_URL", ""),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
			ForceRelay:     getEnvBool("FORCE_RELAY", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Capabilities: CapabilityOverrides{
			HostServer: getEnvBoolPtr("CAP_HOST_SERVER"),
			RawSockets: getEnvBoolPtr("CAP_RAW_SOCKETS"),
			Discovery:  getEnvBoolPtr("CAP_DISCOVERY"),
			Capture:    getEnvBoolPtr("CAP_CAPTURE"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b := getEnvBoolPtr(key); b != nil {
		return *b
	}
	return defaultValue
}

func getEnvBoolPtr(key string) *bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return nil
	}
	return &b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
