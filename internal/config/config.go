package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool   // with WORKER_MODE=remote, also consume the render queue in this process
	WorkerMode         string // "local" renders in this process; "remote" dispatches through Redis
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Job store
	StoreDriver string // "postgres" or "pebble"
	DatabaseURL string
	PebblePath  string

	// Redis
	RedisURL string

	// Artifacts
	ArtifactDriver        string // "local", "supabase" or "s3"
	ArtifactDir           string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	S3Bucket              string
	S3Region              string
	S3Endpoint            string
	S3AccessKey           string
	S3SecretKey           string

	// Rendering
	WorkDir             string
	MaxConcurrentScenes int
	MaxConcurrentJobs   int
	SceneMaxAttempts    int
	SceneRetryBase      time.Duration
	SceneTimeout        time.Duration
	JobTimeout          time.Duration
	FailurePolicy       string
	PlaceholderClip     string // used for best-effort substitutions when the job names none
	SlateFontPath       string // TTF for placeholder slates; empty uses the built-in face
	RenderWeight        int    // share of progress owned by scene rendering
	SceneMinSeconds     float64
	SceneMaxSeconds     float64
	JobMaxSeconds       float64
	DurationTolerance   time.Duration
	FrameTolerance      float64 // fraction of expected frames
	KenBurnsStrategy    string  // "precise" (zoompan) or "fast" (pre-scaled levels + xfade)
	KenBurnsLevels      int

	// Encoders
	HWEncoder          string // empty disables the hardware profile
	HWProbeTimeout     time.Duration
	HWProbeTTL         time.Duration
	BreakerMaxFailures int
	BreakerCooldown    time.Duration

	// Animation back-end (talking head)
	AnimationBackendURL string
	AnimationAPIKey     string
	AnimationPollLimit  time.Duration

	// OpenAI (Whisper captions)
	OpenAIKey string

	// Status events
	KafkaBrokers     []string
	KafkaStatusTopic string

	// Retention
	Retention      time.Duration
	SweepInterval  time.Duration
	RemoteWaitSlop time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", false),
		WorkerMode:            getEnv("WORKER_MODE", "local"),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		StoreDriver:           getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		PebblePath:            getEnv("PEBBLE_PATH", "data/jobs"),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		ArtifactDriver:        getEnv("ARTIFACT_DRIVER", "local"),
		ArtifactDir:           getEnv("ARTIFACT_DIR", "data/artifacts"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "sceneforge"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		WorkDir:               getEnv("WORK_DIR", os.TempDir()),
		MaxConcurrentScenes:   getEnvInt("MAX_CONCURRENT_SCENES", 4),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 5),
		SceneMaxAttempts:      getEnvInt("SCENE_MAX_ATTEMPTS", 3),
		SceneRetryBase:        getEnvDuration("SCENE_RETRY_BASE", 2*time.Second),
		SceneTimeout:          getEnvDuration("SCENE_TIMEOUT", 10*time.Minute),
		JobTimeout:            getEnvDuration("JOB_TIMEOUT", time.Hour),
		FailurePolicy:         getEnv("FAILURE_POLICY", "fail_fast"),
		PlaceholderClip:       getEnv("PLACEHOLDER_CLIP", ""),
		SlateFontPath:         getEnv("SLATE_FONT_PATH", ""),
		RenderWeight:          getEnvInt("RENDER_WEIGHT", 60),
		SceneMinSeconds:       getEnvFloat("SCENE_MIN_SECONDS", 0.5),
		SceneMaxSeconds:       getEnvFloat("SCENE_MAX_SECONDS", 120),
		JobMaxSeconds:         getEnvFloat("JOB_MAX_SECONDS", 1800),
		DurationTolerance:     getEnvDuration("DURATION_TOLERANCE", 100*time.Millisecond),
		FrameTolerance:        getEnvFloat("FRAME_TOLERANCE", 0.05),
		KenBurnsStrategy:      getEnv("KENBURNS_STRATEGY", "precise"),
		KenBurnsLevels:        getEnvInt("KENBURNS_LEVELS", 4),
		HWEncoder:             getEnv("HW_ENCODER", ""),
		HWProbeTimeout:        getEnvDuration("HW_PROBE_TIMEOUT", 10*time.Second),
		HWProbeTTL:            getEnvDuration("HW_PROBE_TTL", 5*time.Minute),
		BreakerMaxFailures:    getEnvInt("BREAKER_MAX_FAILURES", 3),
		BreakerCooldown:       getEnvDuration("BREAKER_COOLDOWN", time.Minute),
		AnimationBackendURL:   getEnv("ANIMATION_BACKEND_URL", ""),
		AnimationAPIKey:       getEnv("ANIMATION_API_KEY", ""),
		AnimationPollLimit:    getEnvDuration("ANIMATION_POLL_LIMIT", 600*time.Second),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		KafkaBrokers:          getEnvList("KAFKA_BROKERS"),
		KafkaStatusTopic:      getEnv("KAFKA_STATUS_TOPIC", "sceneforge.job-status"),
		Retention:             getEnvDuration("RETENTION", 7*24*time.Hour),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Hour),
		RemoteWaitSlop:        getEnvDuration("REMOTE_WAIT_SLOP", 5*time.Second),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every enabled driver has what it needs.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "pebble":
		if c.PebblePath == "" {
			return fmt.Errorf("PEBBLE_PATH is required when STORE_DRIVER=pebble")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.ArtifactDriver {
	case "local":
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when ARTIFACT_DRIVER=supabase")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ARTIFACT_DRIVER=s3")
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_DRIVER %q", c.ArtifactDriver)
	}

	switch c.WorkerMode {
	case "local":
	case "remote":
		if c.ArtifactDriver == "local" {
			return fmt.Errorf("WORKER_MODE=remote needs a shared ARTIFACT_DRIVER (supabase or s3)")
		}
	default:
		return fmt.Errorf("unknown WORKER_MODE %q", c.WorkerMode)
	}

	if c.FailurePolicy != "fail_fast" && c.FailurePolicy != "best_effort" {
		return fmt.Errorf("FAILURE_POLICY must be fail_fast or best_effort, got %q", c.FailurePolicy)
	}
	if c.KenBurnsStrategy != "precise" && c.KenBurnsStrategy != "fast" {
		return fmt.Errorf("KENBURNS_STRATEGY must be precise or fast, got %q", c.KenBurnsStrategy)
	}
	switch c.HWEncoder {
	case "", "h264_nvenc", "h264_qsv", "h264_videotoolbox", "h264_amf":
	default:
		return fmt.Errorf("unsupported HW_ENCODER %q", c.HWEncoder)
	}
	if c.MaxConcurrentScenes < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SCENES must be at least 1")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.SceneMaxAttempts < 1 {
		return fmt.Errorf("SCENE_MAX_ATTEMPTS must be at least 1")
	}
	if c.RenderWeight < 0 || c.RenderWeight > 100 {
		return fmt.Errorf("RENDER_WEIGHT must be between 0 and 100")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
