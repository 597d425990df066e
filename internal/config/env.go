package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type WebhookEnv struct {
	IssueSecret    string        `envconfig:"ISSUE_WEBHOOK_SECRET"`
	DelegateSecret string        `envconfig:"DELEGATE_WEBHOOK_SECRET"`
	MaxBodyBytes   int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	RateWindow     time.Duration `envconfig:"WEBHOOK_RATE_WINDOW" default:"1m"`
	RatePerSource  int           `envconfig:"WEBHOOK_RATE_PER_SOURCE" default:"60"`
	RateGlobal     int           `envconfig:"WEBHOOK_RATE_GLOBAL" default:"600"`
	DedupWindow    time.Duration `envconfig:"WEBHOOK_DEDUP_WINDOW" default:"1h"`
}

type PolicyEnv struct {
	File              string        `envconfig:"POLICY_FILE"`
	Threshold         float64       `envconfig:"DELEGATION_THRESHOLD" default:"6"`
	MaxConcurrency    int           `envconfig:"MAX_CONCURRENCY" default:"8"`
	SessionRetention  time.Duration `envconfig:"SESSION_RETENTION" default:"168h"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	NotifyMaxAttempts int           `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"3"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".foreman/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"foreman/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type TrackerEnv struct {
	BaseURL string `envconfig:"TRACKER_BASE_URL"`
	Token   string `envconfig:"TRACKER_TOKEN"`
}

type DelegateEnv struct {
	BaseURL string `envconfig:"DELEGATE_BASE_URL"`
	Token   string `envconfig:"DELEGATE_TOKEN"`
}

type Env struct {
	BaseEnv
	WebhookEnv
	PolicyEnv
	StorageEnv
	TrackerEnv
	DelegateEnv
}

const namespace = "FOREMAN"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
