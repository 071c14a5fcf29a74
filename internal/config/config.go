package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// Request body ceilings, human-readable ("1M", "512K"). The upload
	// limit covers POST /api/v1/documents only.
	BodyLimitDefault string `mapstructure:"BODY_LIMIT_DEFAULT"`
	BodyLimitUpload  string `mapstructure:"BODY_LIMIT_UPLOAD"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	HIPAAEncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int    `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  string `mapstructure:"HIPAA_PREVIOUS_KEYS"`

	// Pipeline tuning.
	PipelineWorkers    int           `mapstructure:"PIPELINE_WORKERS"`
	PipelineQueueDepth int           `mapstructure:"PIPELINE_QUEUE_DEPTH"`
	ExtractTimeout     time.Duration `mapstructure:"EXTRACT_TIMEOUT"`
	ClassifyTimeout    time.Duration `mapstructure:"CLASSIFY_TIMEOUT"`
	ConfidenceFloor    float64       `mapstructure:"CONFIDENCE_FLOOR"`
	ClassThreshold     float64       `mapstructure:"CLASS_THRESHOLD"`
	OCREndpoint        string        `mapstructure:"OCR_ENDPOINT"`
	ClassifierEndpoint string        `mapstructure:"CLASSIFIER_ENDPOINT"`
	ArtifactPath       string        `mapstructure:"ARTIFACT_PATH"`
	FeatureVersion     string        `mapstructure:"FEATURE_VERSION"`
	SchemaRegistryPath string        `mapstructure:"SCHEMA_REGISTRY_PATH"`

	// Publish surface.
	SinkURL             string        `mapstructure:"SINK_URL"`
	SinkSecret          string        `mapstructure:"SINK_SECRET"`
	PublishMaxAttempts  int           `mapstructure:"PUBLISH_MAX_ATTEMPTS"`
	OutboxRetryInterval time.Duration `mapstructure:"OUTBOX_RETRY_INTERVAL"`

	// Document payload storage.
	BlobBackend    string `mapstructure:"BLOB_BACKEND"`
	MinIOEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucket    string `mapstructure:"MINIO_BUCKET"`
	MinIOUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	// Operational alert recipients. Empty disables the alert.
	NotifyReviewEmail string `mapstructure:"NOTIFY_REVIEW_EMAIL"`
	NotifyOpsEmail    string `mapstructure:"NOTIFY_OPS_EMAIL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT_DEFAULT", "1M")
	v.SetDefault("BODY_LIMIT_UPLOAD", "32M")
	v.SetDefault("PIPELINE_WORKERS", 4)
	v.SetDefault("PIPELINE_QUEUE_DEPTH", 0) // 0 -> four per worker
	v.SetDefault("EXTRACT_TIMEOUT", "30s")
	v.SetDefault("CLASSIFY_TIMEOUT", "15s")
	v.SetDefault("CONFIDENCE_FLOOR", 0.60)
	v.SetDefault("CLASS_THRESHOLD", 0.75)
	v.SetDefault("ARTIFACT_PATH", "artifacts/bundle.json")
	v.SetDefault("FEATURE_VERSION", "v1")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("PUBLISH_MAX_ATTEMPTS", 4)
	v.SetDefault("OUTBOX_RETRY_INTERVAL", "1m")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("MINIO_BUCKET", "docgate-documents")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DEFAULT_TENANT", "CORS_ORIGINS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"BODY_LIMIT_DEFAULT", "BODY_LIMIT_UPLOAD",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
		"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
		"PIPELINE_WORKERS", "PIPELINE_QUEUE_DEPTH",
		"EXTRACT_TIMEOUT", "CLASSIFY_TIMEOUT",
		"CONFIDENCE_FLOOR", "CLASS_THRESHOLD",
		"OCR_ENDPOINT", "CLASSIFIER_ENDPOINT",
		"ARTIFACT_PATH", "FEATURE_VERSION", "SCHEMA_REGISTRY_PATH",
		"SINK_URL", "SINK_SECRET", "PUBLISH_MAX_ATTEMPTS", "OUTBOX_RETRY_INTERVAL",
		"BLOB_BACKEND", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY",
		"MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_USE_SSL",
		"NOTIFY_REVIEW_EMAIL", "NOTIFY_OPS_EMAIL",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_ISSUER must be set so that real JWT authentication is enforced. In
// production, HIPAA_ENCRYPTION_KEY is required and must be a valid
// 64-character hex string (32 bytes when decoded).
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when ENV is %q. "+
				"Refusing to start without authentication configuration. "+
				"Use ENV=development only for local work", c.Env)
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.HIPAAKeyVersion < 1 {
		return fmt.Errorf("HIPAA_KEY_VERSION must be at least 1, got %d", c.HIPAAKeyVersion)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	// A bad threshold silently changes routing for every document, so the
	// tunables are checked up front.
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("CONFIDENCE_FLOOR must be in [0,1], got %v", c.ConfidenceFloor)
	}
	if c.ClassThreshold < 0 || c.ClassThreshold > 1 {
		return fmt.Errorf("CLASS_THRESHOLD must be in [0,1], got %v", c.ClassThreshold)
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1, got %d", c.PipelineWorkers)
	}
	if c.ExtractTimeout <= 0 {
		return fmt.Errorf("EXTRACT_TIMEOUT must be positive, got %v", c.ExtractTimeout)
	}
	if c.ClassifyTimeout <= 0 {
		return fmt.Errorf("CLASSIFY_TIMEOUT must be positive, got %v", c.ClassifyTimeout)
	}
	if c.FeatureVersion == "" {
		return fmt.Errorf("FEATURE_VERSION is required")
	}

	if c.PublishMaxAttempts < 1 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be at least 1, got %d", c.PublishMaxAttempts)
	}
	if c.SinkURL != "" && c.SinkSecret == "" {
		return fmt.Errorf("SINK_SECRET is required when SINK_URL is set")
	}

	switch c.BlobBackend {
	case "memory":
	case "minio":
		if c.MinIOEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when BLOB_BACKEND is \"minio\"")
		}
		if c.MinIOAccessKey == "" || c.MinIOSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when BLOB_BACKEND is \"minio\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"minio\", got %q", c.BlobBackend)
	}

	return nil
}
