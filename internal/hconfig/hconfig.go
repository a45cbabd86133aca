// Package hconfig loads and validates the Hel configuration tree: a global
// section plus a list of source definitions, read via viper the way the
// teacher's pkg/config/viper.go loads crawler configuration.
package hconfig

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// AuthType enumerates the supported auth provider variants.
type AuthType string

const (
	AuthNone           AuthType = "none"
	AuthBearer         AuthType = "bearer"
	AuthAPIKey         AuthType = "api_key"
	AuthBasic          AuthType = "basic"
	AuthOAuth2         AuthType = "oauth2"
	AuthGoogleService  AuthType = "google_service_account"
	AuthLoginForCookie AuthType = "login_for_cookie"
)

// PaginationType enumerates the three pagination strategies.
type PaginationType string

const (
	PaginationLinkHeader PaginationType = "link_header"
	PaginationCursor     PaginationType = "cursor"
	PaginationPageOffset PaginationType = "page_offset"
)

// Checkpoint controls when state writes are committed during a tick.
type Checkpoint string

const (
	CheckpointEndOfTick Checkpoint = "end_of_tick"
	CheckpointPerPage   Checkpoint = "per_page"
)

// OutputStrategy controls sink behavior when the queue is full.
type OutputStrategy string

const (
	OutputBlock      OutputStrategy = "block"
	OutputDrop       OutputStrategy = "drop"
	OutputDiskBuffer OutputStrategy = "disk_buffer"
)

// DropPolicy chooses which item to evict under the drop strategy.
type DropPolicy string

const (
	DropOldestFirst DropPolicy = "oldest_first"
	DropNewestFirst DropPolicy = "newest_first"
	DropRandom      DropPolicy = "random"
)

// OnParseError controls behavior when an event fails to parse.
type OnParseError string

const (
	OnParseErrorSkip OnParseError = "skip"
	OnParseErrorFail OnParseError = "fail"
)

// OnCursorError controls behavior when a cursor request returns 4xx.
type OnCursorError string

const (
	OnCursorErrorReset OnCursorError = "reset"
	OnCursorErrorFail  OnCursorError = "fail"
)

// OnLineTooLarge controls behavior when an emitted line exceeds max_line_bytes.
type OnLineTooLarge string

const (
	OnLineTruncate OnLineTooLarge = "truncate"
	OnLineSkip     OnLineTooLarge = "skip"
	OnLineFail     OnLineTooLarge = "fail"
)

// RotationMode selects file rotation behavior for the file sink.
type RotationMode string

const (
	RotationNone  RotationMode = "none"
	RotationDaily RotationMode = "daily"
	RotationSize  RotationMode = "size"
)

// StateBackend enumerates the supported state store variants.
type StateBackend string

const (
	StateMemory   StateBackend = "memory"
	StateSQLite   StateBackend = "sqlite"
	StatePostgres StateBackend = "postgres"
	StateRedis    StateBackend = "redis"
)

// SinkKind chooses stdout or file as the output sink's inner destination.
type SinkKind string

const (
	SinkStdout SinkKind = "stdout"
	SinkFile   SinkKind = "file"
)

// Secret resolves a secret value from an environment variable or a file,
// file taking precedence, matching spec.md section 4.B.
type Secret struct {
	Env  string `mapstructure:"env"`
	File string `mapstructure:"file"`
}

// Resolve returns the secret's value: the trimmed file contents when File is
// set, else the env var's value. It errors when the file cannot be read or
// the env var is unset, and returns "" with no error when neither is set.
func (s Secret) Resolve() (string, error) {
	if s.File != "" {
		b, err := os.ReadFile(s.File)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", s.File, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	if s.Env != "" {
		v, ok := os.LookupEnv(s.Env)
		if !ok {
			return "", fmt.Errorf("secret env var %s is not set", s.Env)
		}
		return v, nil
	}
	return "", nil
}

// IsZero reports whether neither env nor file is configured.
func (s Secret) IsZero() bool {
	return s.Env == "" && s.File == ""
}

// DPoPConfig enables DPoP proof-of-possession on an OAuth2 provider.
type DPoPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig is the declarative auth spec for a source.
type AuthConfig struct {
	Type AuthType `mapstructure:"type"`

	// bearer
	Token       Secret `mapstructure:"token"`
	TokenPrefix string `mapstructure:"token_prefix"`

	// api_key
	HeaderName string `mapstructure:"header_name"`
	APIKey     Secret `mapstructure:"api_key"`

	// basic
	Username Secret `mapstructure:"username"`
	Password Secret `mapstructure:"password"`

	// oauth2
	TokenURL          string     `mapstructure:"token_url"`
	ClientID           string     `mapstructure:"client_id"`
	ClientSecret       Secret     `mapstructure:"client_secret"`
	ClientPrivateKey   Secret     `mapstructure:"client_private_key"`
	RefreshToken       Secret     `mapstructure:"refresh_token"`
	Scope              []string   `mapstructure:"scope"`
	DPoP               DPoPConfig `mapstructure:"dpop"`

	// google_service_account
	CredentialsJSON Secret   `mapstructure:"credentials_json"`
	Subject         string   `mapstructure:"subject"`
	Scopes          []string `mapstructure:"scopes"`

	// login_for_cookie
	LoginURL  string `mapstructure:"login_url"`
	LoginBody string `mapstructure:"login_body"`
}

// Validate checks the auth spec's documented invariant: oauth2 needs at
// least one of client_secret or client_private_key.
func (a AuthConfig) Validate() error {
	if a.Type == AuthOAuth2 {
		if a.ClientSecret.IsZero() && a.ClientPrivateKey.IsZero() {
			return fmt.Errorf("auth.type=oauth2 requires client_secret or client_private_key")
		}
	}
	return nil
}

// PaginationConfig is the declarative pagination spec for a source.
type PaginationConfig struct {
	Type PaginationType `mapstructure:"type"`

	// link_header
	Rel string `mapstructure:"rel"`

	// cursor
	CursorPath    string        `mapstructure:"cursor_path"`
	CursorParam   string        `mapstructure:"cursor_param"`
	OnCursorError OnCursorError `mapstructure:"on_cursor_error"`

	// page_offset
	PageParam  string `mapstructure:"page_param"`
	LimitParam string `mapstructure:"limit_param"`
	Limit      int    `mapstructure:"limit"`

	MaxPages int `mapstructure:"max_pages"`
}

// RateLimitConfig configures the client-side token bucket.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `mapstructure:"max_requests_per_second"`
	BurstSize            int     `mapstructure:"burst_size"`
	Adaptive             bool    `mapstructure:"adaptive"`
	PageDelaySecs        float64 `mapstructure:"page_delay_secs"`
}

// CircuitBreakerConfig configures the per-source circuit breaker, its field
// set reconciled from original_source's circuit.rs (the fuller set) over
// config.rs's thinner variant.
type CircuitBreakerConfig struct {
	FailureThreshold     int     `mapstructure:"failure_threshold"`
	SuccessThreshold     int     `mapstructure:"success_threshold"`
	HalfOpenTimeoutSecs  float64 `mapstructure:"half_open_timeout_secs"`
	ResetTimeoutSecs     float64 `mapstructure:"reset_timeout_secs"`
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold"`
	MinimumRequests      int     `mapstructure:"minimum_requests"`
}

// OpenDuration computes min(half_open_timeout_secs, reset_timeout_secs or inf)
// per spec.md 4.D's circuit-check formula.
func (c CircuitBreakerConfig) OpenDuration() time.Duration {
	d := c.HalfOpenTimeoutSecs
	if c.ResetTimeoutSecs > 0 && c.ResetTimeoutSecs < d {
		d = c.ResetTimeoutSecs
	}
	return time.Duration(d * float64(time.Second))
}

// RetryConfig configures the resilience wrapper's attempt loop.
type RetryConfig struct {
	MaxAttempts           int     `mapstructure:"max_attempts"`
	InitialBackoffSecs    float64 `mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs        float64 `mapstructure:"max_backoff_secs"`
	Multiplier             float64 `mapstructure:"multiplier"`
	JitterFraction          float64 `mapstructure:"jitter_fraction"`
	RetryableStatusCodes   []int   `mapstructure:"retryable_status_codes"`
	RespectHeaders         bool    `mapstructure:"respect_headers"`
	ResetHeaderName        string  `mapstructure:"reset_header_name"`
}

// TLSConfig configures the HTTP executor's TLS negotiation.
type TLSConfig struct {
	MinVersion string `mapstructure:"min_version"`
	CustomCA   string `mapstructure:"custom_ca"`
	CAMode     string `mapstructure:"ca_mode"` // "merge" or "replace"
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
}

// Validate enforces that client_cert implies client_key.
func (t TLSConfig) Validate() error {
	if t.ClientCert != "" && t.ClientKey == "" {
		return fmt.Errorf("tls.client_cert requires tls.client_key")
	}
	return nil
}

// TimeoutConfig configures the HTTP executor's timeout budgets.
type TimeoutConfig struct {
	ConnectSecs float64 `mapstructure:"connect_secs"`
	ReadSecs    float64 `mapstructure:"read_secs"`
	RequestSecs float64 `mapstructure:"request_secs"`
	IdleSecs    float64 `mapstructure:"idle_secs"`
}

// ResilienceConfig groups everything the Resilience Wrapper needs.
type ResilienceConfig struct {
	Timeouts      TimeoutConfig        `mapstructure:"timeouts"`
	TLS           TLSConfig            `mapstructure:"tls"`
	RateLimit     RateLimitConfig      `mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry         RetryConfig          `mapstructure:"retry"`
	PollTickSecs  float64              `mapstructure:"poll_tick_secs"`
}

// DedupeConfig configures the bounded per-source LRU.
type DedupeConfig struct {
	IDPath   string `mapstructure:"id_path"`
	Capacity int    `mapstructure:"capacity"`
}

// ScheduleConfig configures the scheduler's cadence for a source.
type ScheduleConfig struct {
	IntervalSecs float64 `mapstructure:"interval_secs"`
	JitterSecs   float64 `mapstructure:"jitter_secs"`
}

// WatermarkConfig configures incremental-from/watermark tracking.
type WatermarkConfig struct {
	WatermarkField      string `mapstructure:"watermark_field"`
	EventTimestampPath  string `mapstructure:"event_timestamp_path"`
	From                string `mapstructure:"from"`
}

// TransformConfig configures timestamp/id field extraction.
type TransformConfig struct {
	TimestampField string `mapstructure:"timestamp_field"`
	IDField        string `mapstructure:"id_field"`
}

// HookConfig points at the per-source scripting layer.
type HookConfig struct {
	ScriptPath     string `mapstructure:"script_path"`
	TimeoutSecs    float64 `mapstructure:"timeout_secs"`
	AllowNetwork   bool    `mapstructure:"allow_network"`
}

// SourceConfig is one named, immutable-for-the-run source definition.
type SourceConfig struct {
	ID       string            `mapstructure:"id"`
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Headers  map[string]string `mapstructure:"headers"`
	Body     map[string]any    `mapstructure:"body"`
	UserAgent string           `mapstructure:"user_agent"`

	Auth       AuthConfig       `mapstructure:"auth"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Watermark  WatermarkConfig  `mapstructure:"watermark"`
	Transform  TransformConfig  `mapstructure:"transform"`
	Hook       HookConfig       `mapstructure:"hook"`

	Priority int `mapstructure:"priority"`

	Checkpoint        Checkpoint     `mapstructure:"checkpoint"`
	OnStateWriteError string         `mapstructure:"on_state_write_error"`
	OnParseError      OnParseError   `mapstructure:"on_parse_error"`
	OnInvalidJSON     string         `mapstructure:"on_invalid_json"`
	OnLineTooLarge    OnLineTooLarge `mapstructure:"on_line_too_large"`
	MaxResponseBytes  int64          `mapstructure:"max_response_bytes"`
	MaxLineBytes      int64          `mapstructure:"max_line_bytes"`
	MaxBytesPerTick   int64          `mapstructure:"max_bytes_per_tick"`

	SourceLabelValue string `mapstructure:"source_label_value"`

	ReplayDir string `mapstructure:"replay_dir"`
	RecordDir string `mapstructure:"record_dir"`
}

// Validate enforces spec.md section 3's per-source invariants.
func (s SourceConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("source %q: url must be non-empty", s.ID)
	}
	if s.Method != "GET" && s.Method != "POST" {
		return fmt.Errorf("source %q: method must be GET or POST, got %q", s.ID, s.Method)
	}
	if err := s.Auth.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", s.ID, err)
	}
	if err := s.Resilience.TLS.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", s.ID, err)
	}
	if s.Priority < 0 || s.Priority > 10 {
		return fmt.Errorf("source %q: priority must be in [0,10], got %d", s.ID, s.Priority)
	}
	return nil
}

// BulkheadConfig caps concurrency across sources and within one source.
type BulkheadConfig struct {
	MaxConcurrentSources  int `mapstructure:"max_concurrent_sources"`
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
}

// LoadSheddingConfig controls tick skipping under backpressure.
type LoadSheddingConfig struct {
	SkipPriorityBelow int `mapstructure:"skip_priority_below"`
}

// DegradationConfig controls graceful-degradation behavior.
type DegradationConfig struct {
	EmitWithoutCheckpoint bool `mapstructure:"emit_without_checkpoint"`
}

// OutputConfig configures the global output sink.
type OutputConfig struct {
	Strategy          OutputStrategy `mapstructure:"strategy"`
	DropPolicy        DropPolicy     `mapstructure:"drop_policy"`
	EventQueueSize    int            `mapstructure:"event_queue_size"`
	StdoutBufferSize  int            `mapstructure:"stdout_buffer_size"`
	MaxQueueAgeSecs   float64        `mapstructure:"max_queue_age_secs"`
	SourceLabelKey    string         `mapstructure:"source_label_key"`
	MemoryThresholdMB int            `mapstructure:"memory_threshold_mb"`

	Sink         SinkKind     `mapstructure:"sink"`
	FilePath     string       `mapstructure:"file_path"`
	Rotation     RotationMode `mapstructure:"rotation"`
	SegmentSizeMB int         `mapstructure:"segment_size_mb"`

	DiskBuffer DiskBufferConfig `mapstructure:"disk_buffer"`
}

// DiskBufferConfig configures disk_buffer strategy spill files.
type DiskBufferConfig struct {
	Path         string `mapstructure:"path"`
	SegmentSizeMB int   `mapstructure:"segment_size_mb"`
	MaxSizeMB    int    `mapstructure:"max_size_mb"`
}

// StateConfig configures the global state store.
type StateConfig struct {
	Backend StateBackend `mapstructure:"backend"`
	DSN     string       `mapstructure:"dsn"`
	Path    string       `mapstructure:"path"`
	FallbackToMemory bool `mapstructure:"fallback_to_memory"`
}

// GlobalConfig is the top-level `global` section of the config tree.
type GlobalConfig struct {
	Development bool                `mapstructure:"development"`
	State       StateConfig         `mapstructure:"state"`
	Output      OutputConfig        `mapstructure:"output"`
	Bulkhead    BulkheadConfig      `mapstructure:"bulkhead"`
	LoadShedding LoadSheddingConfig `mapstructure:"load_shedding"`
	Degradation DegradationConfig   `mapstructure:"degradation"`
	RestartSourcesOnSighup bool     `mapstructure:"restart_sources_on_sighup"`
}

// Config is the full validated configuration tree.
type Config struct {
	Global  GlobalConfig   `mapstructure:"global"`
	Sources []SourceConfig `mapstructure:"sources"`
}

// Validate checks every source and cross-source uniqueness of IDs.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
