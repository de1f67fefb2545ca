package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr       string
	DatabaseURL      string
	JWTSecret        string
	AgentSharedKey   string
	DefaultRegion    string
	SupportedRegions []string

	GPUProvider     string
	AWSAMIMap       map[string]string
	AWSInstanceType string
	AWSSubnetID     string
	AWSSecurityIDs  []string
	AWSKeyName      string

	ReaperInterval       time.Duration
	PendingDeadline      time.Duration
	ProvisioningDeadline time.Duration
	ReadyDeadline        time.Duration
	ActiveDeadline       time.Duration
	PausedDeadline       time.Duration

	EffectMaxAttempts int
	EffectBaseDelay   time.Duration
	EffectMaxDelay    time.Duration
}

// LoadFromEnv reads NIMBUS_* variables. NIMBUS_DATABASE_URL is optional:
// without it the control plane runs on the in-memory store, which only makes
// sense together with the fake provider.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:       envOrDefault("NIMBUS_LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("NIMBUS_DATABASE_URL"),
		JWTSecret:        os.Getenv("NIMBUS_JWT_SECRET"),
		AgentSharedKey:   os.Getenv("NIMBUS_AGENT_SHARED_KEY"),
		DefaultRegion:    envOrDefault("NIMBUS_DEFAULT_REGION", "us-east-1"),
		SupportedRegions: splitCSV(envOrDefault("NIMBUS_SUPPORTED_REGIONS", "us-east-1,eu-west-1")),

		GPUProvider:     envOrDefault("NIMBUS_GPU_PROVIDER", "fake"),
		AWSAMIMap:       parseKVMap(os.Getenv("NIMBUS_AWS_AMI_MAP")),
		AWSInstanceType: envOrDefault("NIMBUS_AWS_INSTANCE_TYPE", "g4dn.xlarge"),
		AWSSubnetID:     os.Getenv("NIMBUS_AWS_SUBNET_ID"),
		AWSSecurityIDs:  splitCSV(os.Getenv("NIMBUS_AWS_SECURITY_GROUP_IDS")),
		AWSKeyName:      os.Getenv("NIMBUS_AWS_KEY_NAME"),

		ReaperInterval:       durationOrDefault("NIMBUS_REAPER_INTERVAL", time.Minute),
		PendingDeadline:      durationOrDefault("NIMBUS_PENDING_DEADLINE", 2*time.Minute),
		ProvisioningDeadline: durationOrDefault("NIMBUS_PROVISIONING_DEADLINE", 10*time.Minute),
		ReadyDeadline:        durationOrDefault("NIMBUS_READY_DEADLINE", 30*time.Minute),
		ActiveDeadline:       durationOrDefault("NIMBUS_ACTIVE_DEADLINE", 5*time.Minute),
		PausedDeadline:       durationOrDefault("NIMBUS_PAUSED_DEADLINE", 24*time.Hour),

		EffectMaxAttempts: intOrDefault("NIMBUS_EFFECT_MAX_ATTEMPTS", 4),
		EffectBaseDelay:   durationOrDefault("NIMBUS_EFFECT_BASE_DELAY", 100*time.Millisecond),
		EffectMaxDelay:    durationOrDefault("NIMBUS_EFFECT_MAX_DELAY", 5*time.Second),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("NIMBUS_JWT_SECRET is required")
	}
	if cfg.AgentSharedKey == "" {
		return Config{}, fmt.Errorf("NIMBUS_AGENT_SHARED_KEY is required")
	}
	if cfg.GPUProvider != "fake" && cfg.GPUProvider != "aws" {
		return Config{}, fmt.Errorf("NIMBUS_GPU_PROVIDER must be one of fake|aws")
	}
	if cfg.GPUProvider == "aws" {
		if len(cfg.AWSAMIMap) == 0 {
			return Config{}, fmt.Errorf("NIMBUS_AWS_AMI_MAP is required for aws gpu provider")
		}
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("NIMBUS_DATABASE_URL is required for aws gpu provider")
		}
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durationOrDefault(k string, d time.Duration) time.Duration {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func intOrDefault(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseKVMap(v string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(v) == "" {
		return out
	}
	pairs := strings.Split(v, ",")
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
