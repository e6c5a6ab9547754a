package config

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "30s", "5m"); empty means the component default.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Worker       WorkerConfig       `json:"worker"`
	Recurrence   RecurrenceConfig   `json:"recurrence,omitempty"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Rearm        RearmConfig        `json:"rearm,omitempty"`
	Channel      ChannelConfig      `json:"channel"`
	HTTP         HTTPConfig         `json:"http,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOps forwards warnings to the Telegram ops chat (channel.telegram.ops_chat_id).
type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the reminder store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pillcall.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; supports ${VAR}
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
	MinConns    int32  `json:"min_conns,omitempty"`    // postgres
}

// WorkerConfig controls the poll loop.
//
// Enabled is a pointer so an omitted key means true.
type WorkerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Interval       string `json:"interval"`
	MaxParallel    int    `json:"max_parallel,omitempty"`
	BatchLimit     int    `json:"batch_limit,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`
	Message        string `json:"message,omitempty"` // {label} is replaced
	OutcomeTimeout string `json:"outcome_timeout,omitempty"`
}

func (w WorkerConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

type RecurrenceConfig struct {
	// EmptyWeekFallback fires a weekly rule with no days daily at its clock
	// instead of storing it inactive.
	EmptyWeekFallback bool `json:"empty_week_fallback,omitempty"`
}

type DispatchConfig struct {
	PollInterval     string  `json:"poll_interval"`
	MaxWait          string  `json:"max_wait"`
	SubmitRatePerSec float64 `json:"submit_rate_per_sec,omitempty"`
	SubmitBurst      int     `json:"submit_burst,omitempty"`
}

type RearmConfig struct {
	Enabled     bool     `json:"enabled"`
	Delay       string   `json:"delay,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Statuses    []string `json:"statuses,omitempty"`
}

type ChannelConfig struct {
	Driver         string         `json:"driver"` // log | twilio | telegram
	DefaultCountry string         `json:"default_country,omitempty"`
	NationalDigits int            `json:"national_digits,omitempty"`
	Twilio         TwilioConfig   `json:"twilio,omitempty"`
	Telegram       TelegramConfig `json:"telegram,omitempty"`
}

type TwilioConfig struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"` // use ${TWILIO_AUTH_TOKEN}
	From       string `json:"from"`
	Voice      string `json:"voice,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	Timeout     string `json:"timeout,omitempty"`
	OpsChatID   int64  `json:"ops_chat_id,omitempty"`
	OpsThreadID int    `json:"ops_thread_id,omitempty"`
}

// HTTPConfig controls the editing API.
//
// Prefer binding to localhost; set a token when exposing it further.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`
	Token        string `json:"token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
}

type HousekeepingConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}
