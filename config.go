package quantops

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateConfig bounds admission for a single operation kind.
type RateConfig struct {
	// MaxConcurrent limits how many operations of this kind may be
	// in flight simultaneously. Zero means no concurrency limit.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxPerWindow limits how many operations of this kind may be
	// admitted within Window. Zero disables the window ceiling.
	MaxPerWindow int `yaml:"max_per_window"`

	// Window is the sliding-window length for MaxPerWindow.
	Window time.Duration `yaml:"window"`

	// RateLimit is the maximum sustained admissions per second
	// (token bucket). Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set but RateBurst is zero.
	RateBurst int `yaml:"rate_burst"`
}

// RiskConfig holds default risk limits applied to trading sessions that
// do not carry their own.
type RiskConfig struct {
	MaxPositionSizePct float64 `yaml:"max_position_size_pct"`
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct"`
}

// Config holds configuration for the orchestrator. It is supplied at
// startup and treated as immutable for the orchestrator's lifetime.
type Config struct {
	// PollInitialInterval is the delay before the first status poll of a
	// running operation.
	PollInitialInterval time.Duration `yaml:"poll_initial_interval"`

	// PollMaxInterval caps the exponential poll backoff.
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`

	// MaxTransientRetries bounds how many transient transport failures a
	// single operation's poll loop absorbs before the operation fails.
	MaxTransientRetries int `yaml:"max_transient_retries"`

	// RequestTimeout is the absolute deadline for an operation, measured
	// from submission. Exceeding it forces a timeout failure.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AwaitPollInterval is how often Await re-checks operation state.
	AwaitPollInterval time.Duration `yaml:"await_poll_interval"`

	// CancelGracePeriod is how long a cancellation waits for the engine
	// to acknowledge before the operation is forced to cancelled.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`

	// ResultTTL is how long completed results stay cached.
	ResultTTL time.Duration `yaml:"result_ttl"`

	// SuperviseInterval is how often the safety governor samples live
	// metrics for a running session.
	SuperviseInterval time.Duration `yaml:"supervise_interval"`

	// MetricsGraceIntervals is how many consecutive failed metrics
	// fetches the governor tolerates before stopping a session
	// defensively.
	MetricsGraceIntervals int `yaml:"metrics_grace_intervals"`

	// PermissionLevel is the default permission level for session
	// requests that do not carry one: "paper-only", "confirm-required",
	// or "full-autonomous".
	PermissionLevel string `yaml:"permission_level"`

	// Rates maps operation kind names to admission ceilings. Kinds not
	// listed have no limits.
	Rates map[string]RateConfig `yaml:"rates"`

	// RiskLimits are the default session risk limits.
	RiskLimits RiskConfig `yaml:"risk_limits"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInitialInterval:   100 * time.Millisecond,
		PollMaxInterval:       5 * time.Second,
		MaxTransientRetries:   5,
		RequestTimeout:        1 * time.Hour,
		AwaitPollInterval:     100 * time.Millisecond,
		CancelGracePeriod:     10 * time.Second,
		ResultTTL:             1 * time.Hour,
		SuperviseInterval:     30 * time.Second,
		MetricsGraceIntervals: 3,
		PermissionLevel:       "paper-only",
		RiskLimits: RiskConfig{
			MaxPositionSizePct: 25,
			MaxDailyLossPct:    5,
			MaxDrawdownPct:     15,
		},
	}
}

// duration adds Go duration-string decoding ("250ms", "1h") to YAML,
// which yaml.v3 does not support natively. Bare integers are taken as
// nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = duration(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("quantops: invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// UnmarshalYAML decodes a rate entry, accepting duration strings for the
// window field.
func (r *RateConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias struct {
		MaxConcurrent int      `yaml:"max_concurrent"`
		MaxPerWindow  int      `yaml:"max_per_window"`
		Window        duration `yaml:"window"`
		RateLimit     float64  `yaml:"rate_limit"`
		RateBurst     int      `yaml:"rate_burst"`
	}
	var a alias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*r = RateConfig{
		MaxConcurrent: a.MaxConcurrent,
		MaxPerWindow:  a.MaxPerWindow,
		Window:        time.Duration(a.Window),
		RateLimit:     a.RateLimit,
		RateBurst:     a.RateBurst,
	}
	return nil
}

// UnmarshalYAML overlays the document on the Config's current values, so
// fields absent from the file keep their defaults.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type alias struct {
		PollInitialInterval   *duration             `yaml:"poll_initial_interval"`
		PollMaxInterval       *duration             `yaml:"poll_max_interval"`
		MaxTransientRetries   *int                  `yaml:"max_transient_retries"`
		RequestTimeout        *duration             `yaml:"request_timeout"`
		AwaitPollInterval     *duration             `yaml:"await_poll_interval"`
		CancelGracePeriod     *duration             `yaml:"cancel_grace_period"`
		ResultTTL             *duration             `yaml:"result_ttl"`
		SuperviseInterval     *duration             `yaml:"supervise_interval"`
		MetricsGraceIntervals *int                  `yaml:"metrics_grace_intervals"`
		PermissionLevel       *string               `yaml:"permission_level"`
		Rates                 map[string]RateConfig `yaml:"rates"`
		RiskLimits            yaml.Node             `yaml:"risk_limits"`
	}
	var a alias
	if err := value.Decode(&a); err != nil {
		return err
	}

	setDur := func(dst *time.Duration, src *duration) {
		if src != nil {
			*dst = time.Duration(*src)
		}
	}
	setDur(&c.PollInitialInterval, a.PollInitialInterval)
	setDur(&c.PollMaxInterval, a.PollMaxInterval)
	setDur(&c.RequestTimeout, a.RequestTimeout)
	setDur(&c.AwaitPollInterval, a.AwaitPollInterval)
	setDur(&c.CancelGracePeriod, a.CancelGracePeriod)
	setDur(&c.ResultTTL, a.ResultTTL)
	setDur(&c.SuperviseInterval, a.SuperviseInterval)

	if a.MaxTransientRetries != nil {
		c.MaxTransientRetries = *a.MaxTransientRetries
	}
	if a.MetricsGraceIntervals != nil {
		c.MetricsGraceIntervals = *a.MetricsGraceIntervals
	}
	if a.PermissionLevel != nil {
		c.PermissionLevel = *a.PermissionLevel
	}
	if a.Rates != nil {
		c.Rates = a.Rates
	}
	if !a.RiskLimits.IsZero() {
		if err := a.RiskLimits.Decode(&c.RiskLimits); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("quantops: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("quantops: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the orchestrator cannot
// operate with.
func (c Config) Validate() error {
	if c.PollInitialInterval <= 0 {
		return fmt.Errorf("quantops: poll_initial_interval must be positive, got %v", c.PollInitialInterval)
	}
	if c.PollMaxInterval < c.PollInitialInterval {
		return fmt.Errorf("quantops: poll_max_interval %v is below poll_initial_interval %v",
			c.PollMaxInterval, c.PollInitialInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("quantops: request_timeout must be positive, got %v", c.RequestTimeout)
	}
	// Both feed time.NewTicker, which panics on non-positive intervals.
	if c.AwaitPollInterval <= 0 {
		return fmt.Errorf("quantops: await_poll_interval must be positive, got %v", c.AwaitPollInterval)
	}
	if c.SuperviseInterval <= 0 {
		return fmt.Errorf("quantops: supervise_interval must be positive, got %v", c.SuperviseInterval)
	}
	if c.MetricsGraceIntervals < 1 {
		return fmt.Errorf("quantops: metrics_grace_intervals must be at least 1, got %d", c.MetricsGraceIntervals)
	}
	switch c.PermissionLevel {
	case "paper-only", "confirm-required", "full-autonomous":
	default:
		return fmt.Errorf("quantops: unknown permission_level %q", c.PermissionLevel)
	}
	return nil
}
