// Package config loads flowstate configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// FLOWSTATE_* environment variables. See Load.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	NATS         NATSConfig         `koanf:"nats"`
	Store        StoreConfig        `koanf:"store"`
	Session      SessionConfig      `koanf:"session"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Router       RouterConfig       `koanf:"router"`
	Stages       StagesConfig       `koanf:"stages"`
	Events       EventsConfig       `koanf:"events"`
	Catalog      map[string]string  `koanf:"catalog"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Name          string   `koanf:"name"`
	Embedded      bool     `koanf:"embedded"`
	StoreDir      string   `koanf:"store_dir"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// StoreConfig selects and tunes the shared key-value backend.
type StoreConfig struct {
	// Backend is "jetstream" or "memory". Memory is single-process only.
	Backend        string   `koanf:"backend"`
	SessionBucket  string   `koanf:"session_bucket"`
	EvidenceBucket string   `koanf:"evidence_bucket"`
	History        int      `koanf:"history"`
	Replicas       int      `koanf:"replicas"`
	EvidenceTTL    Duration `koanf:"evidence_ttl"`
	Timeout        Duration `koanf:"timeout"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	MaxMergeAttempts int `koanf:"max_merge_attempts"`
	CacheSize        int `koanf:"cache_size"`
}

// OrchestratorConfig tunes message handling.
type OrchestratorConfig struct {
	// WorkerID identifies this process in claims and logs. Empty generates one.
	WorkerID        string   `koanf:"worker_id"`
	ClaimTTL        Duration `koanf:"claim_ttl"`
	ConflictRetries int      `koanf:"conflict_retries"`
	StageTimeout    Duration `koanf:"stage_timeout"`
}

// RouterConfig tunes request classification.
type RouterConfig struct {
	Sentinel            string           `koanf:"sentinel"`
	FallbackPolicy      string           `koanf:"fallback_policy"`
	ConfidenceThreshold float64          `koanf:"confidence_threshold"`
	ClassifyTimeout     Duration         `koanf:"classify_timeout"`
	Classifier          ClassifierConfig `koanf:"classifier"`
}

// ClassifierConfig selects the semantic classifier backend.
type ClassifierConfig struct {
	// Provider is "none", "llm" or "embedding".
	Provider   string  `koanf:"provider"`
	BaseURL    string  `koanf:"base_url"`
	Model      string  `koanf:"model"`
	APIKey     Secret  `koanf:"api_key"`
	RateLimit  float64 `koanf:"rate_limit"`
	Burst      int     `koanf:"burst"`
	MaxRetries int     `koanf:"max_retries"`

	// LabelSets caps how many embedded label sets the embedding provider keeps.
	LabelSets int `koanf:"label_sets"`
}

// StagesConfig locates the stage, tool and chat collaborators.
type StagesConfig struct {
	// Transport is "nats" or "http".
	Transport     string   `koanf:"transport"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	BaseURL       string   `koanf:"base_url"`
	Timeout       Duration `koanf:"timeout"`
	// ChatModel enables LLM chat replies through the classifier endpoint.
	ChatModel string `koanf:"chat_model"`
}

// EventsConfig controls the workflow event stream.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logger settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of OTEL settings exposed to operators.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	Insecure       bool    `koanf:"insecure"`
	SampleRate     float64 `koanf:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "flowstated",
			MaxReconnects: 5,
			ReconnectWait: Duration(time.Second),
		},
		Store: StoreConfig{
			Backend:        "jetstream",
			SessionBucket:  "flowstate_sessions",
			EvidenceBucket: "flowstate_evidence",
			History:        5,
			Replicas:       1,
			Timeout:        Duration(2 * time.Second),
		},
		Session: SessionConfig{
			MaxMergeAttempts: 3,
			CacheSize:        4096,
		},
		Orchestrator: OrchestratorConfig{
			ClaimTTL:        Duration(10 * time.Minute),
			ConflictRetries: 1,
			StageTimeout:    Duration(5 * time.Minute),
		},
		Router: RouterConfig{
			Sentinel:            "[[continue]]",
			FallbackPolicy:      "clarify",
			ConfidenceThreshold: 0.6,
			ClassifyTimeout:     Duration(5 * time.Second),
			Classifier: ClassifierConfig{
				Provider:   "none",
				RateLimit:  5,
				Burst:      5,
				MaxRetries: 2,
				LabelSets:  32,
			},
		},
		Stages: StagesConfig{
			Transport:     "nats",
			SubjectPrefix: "flowstate.work",
			Timeout:       Duration(5 * time.Minute),
		},
		Events: EventsConfig{
			Enabled:       true,
			SubjectPrefix: "flowstate.sessions",
		},
		Catalog: map[string]string{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			ServiceName:    "flowstated",
			ServiceVersion: "0.1.0",
			Insecure:       true,
			SampleRate:     1.0,
		},
	}
}

// toolNamePattern matches router.ValidToolName.
var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// minClaimMargin keeps a stage claim alive past the stage timeout while its
// completion is recorded. It equals orchestrator.ClaimMargin.
const minClaimMargin = 30 * time.Second

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	switch c.Store.Backend {
	case "jetstream":
		if c.NATS.URL == "" && !c.NATS.Embedded {
			return errors.New("nats.url is required unless nats.embedded is set")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be 'jetstream' or 'memory', got %q", c.Store.Backend)
	}
	if c.Store.SessionBucket == "" || c.Store.EvidenceBucket == "" {
		return errors.New("store.session_bucket and store.evidence_bucket are required")
	}
	if c.Store.SessionBucket == c.Store.EvidenceBucket {
		return errors.New("store.session_bucket and store.evidence_bucket must differ")
	}
	if c.Store.History < 1 || c.Store.History > 64 {
		return fmt.Errorf("store.history must be in 1-64, got %d", c.Store.History)
	}
	if c.Store.Timeout.Duration() <= 0 {
		return errors.New("store.timeout must be positive")
	}

	if c.Session.MaxMergeAttempts < 1 {
		return fmt.Errorf("session.max_merge_attempts must be >= 1, got %d", c.Session.MaxMergeAttempts)
	}

	if c.Orchestrator.StageTimeout.Duration() <= 0 {
		return errors.New("orchestrator.stage_timeout must be positive")
	}
	if ttl, floor := c.Orchestrator.ClaimTTL.Duration(), c.Orchestrator.StageTimeout.Duration()+minClaimMargin; ttl < floor {
		return fmt.Errorf("orchestrator.claim_ttl must be at least stage_timeout + %s (%s), got %s", minClaimMargin, floor, ttl)
	}
	if c.Orchestrator.ConflictRetries < 0 {
		return fmt.Errorf("orchestrator.conflict_retries must be >= 0, got %d", c.Orchestrator.ConflictRetries)
	}

	switch c.Router.FallbackPolicy {
	case "clarify", "pattern":
	default:
		return fmt.Errorf("router.fallback_policy must be 'clarify' or 'pattern', got %q", c.Router.FallbackPolicy)
	}
	if c.Router.Sentinel == "" {
		return errors.New("router.sentinel is required")
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidence_threshold must be between 0 and 1, got %f", c.Router.ConfidenceThreshold)
	}
	switch c.Router.Classifier.Provider {
	case "none":
	case "llm", "embedding":
		if c.Router.Classifier.Model == "" {
			return fmt.Errorf("router.classifier.model is required for provider %q", c.Router.Classifier.Provider)
		}
	default:
		return fmt.Errorf("router.classifier.provider must be none, llm or embedding, got %q", c.Router.Classifier.Provider)
	}
	if c.Router.Classifier.LabelSets < 1 {
		return fmt.Errorf("router.classifier.label_sets must be >= 1, got %d", c.Router.Classifier.LabelSets)
	}

	switch c.Stages.Transport {
	case "nats":
		if c.Stages.SubjectPrefix == "" {
			return errors.New("stages.subject_prefix is required for nats transport")
		}
	case "http":
		if c.Stages.BaseURL == "" {
			return errors.New("stages.base_url is required for http transport")
		}
	default:
		return fmt.Errorf("stages.transport must be 'nats' or 'http', got %q", c.Stages.Transport)
	}
	if c.Stages.Transport == "nats" && c.Store.Backend == "memory" && !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats stage transport requires a NATS connection")
	}

	for name, desc := range c.Catalog {
		if !toolNamePattern.MatchString(name) {
			return fmt.Errorf("catalog tool name %q must match %s", name, toolNamePattern)
		}
		if desc == "" {
			return fmt.Errorf("catalog tool %q needs a description", name)
		}
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}
	return nil
}
