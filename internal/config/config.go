// Package config defines the top-level configuration for the copy engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// single JSON document and then optionally overridden by COPYRIG_*
// environment variables.
type Config struct {
	Broker   BrokerConfig   `json:"broker"`
	Squeeze  SqueezeConfig  `json:"squeeze"`
	Redis    RedisConfig    `json:"redis"`
	Postgres PostgresConfig `json:"postgres"`
	S3       S3Config       `json:"s3"`
	Server   ServerConfig   `json:"server"`
	Notify   NotifyConfig   `json:"notify"`

	Accounts map[string]AccountConfig `json:"accounts"`
	RuleSets map[string]RuleSet       `json:"ruleSets"`
	Routes   []RouteConfig            `json:"routes"`
	Global   GlobalSettings           `json:"globalSettings"`

	Mode     string `json:"mode"`
	LogLevel string `json:"logLevel"`
	DataDir  string `json:"dataDir"`
}

// BrokerConfig holds broker bridge endpoints, credentials, and call budgets.
type BrokerConfig struct {
	ApiHost            string   `json:"apiHost"`
	StreamHost         string   `json:"streamHost"`
	Token              string   `json:"token"`
	EncryptedTokenPath string   `json:"encryptedTokenPath"`
	KeyPassphrase      string   `json:"keyPassphrase"`
	DefaultRegion      string   `json:"defaultRegion"`
	ExecuteTimeout     Duration `json:"executeTimeout"`
	QueryTimeout       Duration `json:"queryTimeout"`
	CloseTimeout       Duration `json:"closeTimeout"`
	FailureThreshold   int      `json:"failureThreshold"`
	ConnAlertWindow    Duration `json:"connAlertWindow"`
}

// SqueezeConfig holds the external squeeze-score provider endpoint.
type SqueezeConfig struct {
	URL      string   `json:"url"`
	CacheTTL Duration `json:"cacheTtl"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: when
// disabled the suppression store falls back to the file backend and the API
// rate limiter is skipped.
type RedisConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	PoolSize   int    `json:"poolSize"`
	MaxRetries int    `json:"maxRetries"`
}

// PostgresConfig holds PostgreSQL connection parameters. Postgres is
// optional: when URL is empty the audit and history stores are not wired.
type PostgresConfig struct {
	URL           string `json:"url"`
	PoolMaxConns  int    `json:"poolMaxConns"`
	PoolMinConns  int    `json:"poolMinConns"`
	RunMigrations bool   `json:"runMigrations"`
}

// S3Config holds object storage parameters for the mapping-log archiver.
type S3Config struct {
	Enabled        bool   `json:"enabled"`
	Endpoint       string `json:"endpoint"`
	Region         string `json:"region"`
	Bucket         string `json:"bucket"`
	AccessKey      string `json:"accessKey"`
	SecretKey      string `json:"secretKey"`
	ForcePathStyle bool   `json:"forcePathStyle"`
	ArchiveCron    string `json:"archiveCron"`
	RetentionDays  int    `json:"retentionDays"`
}

// ServerConfig holds the operator HTTP surface parameters.
type ServerConfig struct {
	Enabled            bool     `json:"enabled"`
	Addr               string   `json:"addr"`
	AuthToken          string   `json:"authToken"`
	CORSOrigins        []string `json:"corsOrigins"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute"`
}

// NotifyConfig holds chat sink credentials and the alert-kind filter.
type NotifyConfig struct {
	TelegramToken  string   `json:"telegramToken"`
	TelegramChatID string   `json:"telegramChatId"`
	Events         []string `json:"events"`
}

// AccountConfig describes a broker account referenced by routes.
type AccountConfig struct {
	Region           string  `json:"region"`
	ReferenceBalance float64 `json:"referenceBalance"`
}

// RouteConfig is one route entry in the config document. Source and
// Destination name keys in the accounts map.
type RouteConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	RuleSet     string `json:"ruleSet"`
	Enabled     bool   `json:"enabled"`
	AutoClose   bool   `json:"autoClose"`
	// Notifications nil means all categories on.
	Notifications *domain.NotifyPrefs `json:"notifications,omitempty"`
}

// RuleSet bundles the per-route filter, sizing, risk, and phase parameters.
type RuleSet struct {
	Filters FiltersConfig `json:"filters"`
	Sizing  SizingConfig  `json:"sizing"`
	Risk    RiskConfig    `json:"risk"`
	Phases  PhasesConfig  `json:"phases"`
}

// FiltersConfig parameterizes the filter chain.
type FiltersConfig struct {
	MaxPositions         int      `json:"maxPositions"`
	MinTimeBetweenTrades Duration `json:"minTimeBetweenTrades"`
	MaxDailyTrades       int      `json:"maxDailyTrades"`
	TradingHours         []int    `json:"tradingHours"`
	AllowedSymbols       []string `json:"allowedSymbols"`

	// Martingale heuristic: reject volumes above MaxVolumeFactor × BaseUnit,
	// or a same-symbol pile-up of SameSymbolMax open copies inside
	// SameSymbolWindow. Intentionally coarse.
	BaseUnit         float64  `json:"baseUnit"`
	MaxVolumeFactor  float64  `json:"maxVolumeFactor"`
	SameSymbolMax    int      `json:"sameSymbolMax"`
	SameSymbolWindow Duration `json:"sameSymbolWindow"`

	// Grid heuristic: reject when the source account already holds more than
	// one open position on the symbol within GridPipBand pips of the event's
	// open price.
	GridPipBand    float64            `json:"gridPipBand"`
	DefaultPipSize float64            `json:"defaultPipSize"`
	PipSizes       map[string]float64 `json:"pipSizes"`
}

// SizingConfig parameterizes the sizing policy.
type SizingConfig struct {
	PerPositionCap   float64 `json:"perPositionCap"`
	TotalExposureCap float64 `json:"totalExposureCap"`
	MinLot           float64 `json:"minLot"`
	VolumeStep       float64 `json:"volumeStep"`
	LossDampenerCap  int     `json:"lossDampenerCap"`

	MirrorSLTP bool    `json:"mirrorSlTp"`
	SLBuffer   float64 `json:"slBuffer"`
	TPBuffer   float64 `json:"tpBuffer"`

	SqueezeEnabled   bool     `json:"squeezeEnabled"`
	SqueezeSymbols   []string `json:"squeezeSymbols"`
	SqueezeThreshold float64  `json:"squeezeThreshold"`
	SqueezeGain      float64  `json:"squeezeGain"`
	SqueezeMaxBoost  float64  `json:"squeezeMaxBoost"`
}

// RiskConfig parameterizes the per-route risk gates. Zero percentage limits
// fall back to the global settings.
type RiskConfig struct {
	DailyLossLimitPct    float64  `json:"dailyLossLimitPct"`
	EmergencyStopPct     float64  `json:"emergencyStopPct"`
	MaxTotalDrawdownPct  float64  `json:"maxTotalDrawdownPct"`
	MaxConsecutiveLosses int      `json:"maxConsecutiveLosses"`
	LossPause            Duration `json:"lossPause"`
	VolatilityMaxTrades  int      `json:"volatilityMaxTrades"`
	VolatilityWindow     Duration `json:"volatilityWindow"`
	MaxOpenPositions     int      `json:"maxOpenPositions"`
	MaxPerSymbol         int      `json:"maxPerSymbol"`
}

// PhaseParams is the sizing contribution of one phase.
type PhaseParams struct {
	Multiplier float64 `json:"multiplier"`
	RiskFactor float64 `json:"riskFactor"`
}

// PhaseTransition gates promotion into a phase.
type PhaseTransition struct {
	PhaseParams
	MinDays      int     `json:"minDays"`
	MinWinRate   float64 `json:"minWinRate"`
	MinProfitPct float64 `json:"minProfitPct"`
}

// PhasesConfig parameterizes the phase progression state machine.
// Thresholds are config, not constants.
type PhasesConfig struct {
	Enabled bool            `json:"enabled"`
	Phase1  PhaseParams     `json:"phase1"`
	Phase2  PhaseTransition `json:"phase2"`
	Phase3  PhaseTransition `json:"phase3"`
}

// GlobalSettings holds engine-wide limits and schedules.
type GlobalSettings struct {
	EmergencyStopLossPct float64  `json:"emergencyStopLossPct"`
	DailyDrawdownLimit   float64  `json:"dailyDrawdownLimit"`
	RolloverUtcHour      int      `json:"rolloverUtcHour"`
	ScanInterval         Duration `json:"scanInterval"`
	DrainTimeout         Duration `json:"drainTimeout"`
	EventParallelism     int      `json:"eventParallelism"`
	QueueDepth           int      `json:"queueDepth"`
	LogSegmentBytes      int64    `json:"logSegmentBytes"`
}

// Duration wraps time.Duration so JSON documents can carry strings like
// "5m" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts either a duration string or raw nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalJSON renders the duration as a string for round-trip encoding.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.json.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			ApiHost:          "https://bridge.copyrig.dev",
			StreamHost:       "wss://bridge.copyrig.dev/stream",
			DefaultRegion:    "london",
			ExecuteTimeout:   Duration{30 * time.Second},
			QueryTimeout:     Duration{10 * time.Second},
			CloseTimeout:     Duration{20 * time.Second},
			FailureThreshold: 3,
			ConnAlertWindow:  Duration{5 * time.Minute},
		},
		Squeeze: SqueezeConfig{
			CacheTTL: Duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Region:         "us-east-1",
			Bucket:         "copyrig-data",
			ForcePathStyle: true,
			ArchiveCron:    "0 3 * * *",
			RetentionDays:  30,
		},
		Server: ServerConfig{
			Enabled:            true,
			Addr:               ":8080",
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.AlertConnIssue),
				string(domain.AlertOrphan),
				string(domain.AlertDailyLimit),
				string(domain.AlertPhaseUpgrade),
				string(domain.AlertEmergencyStop),
				string(domain.AlertConfigError),
			},
		},
		Accounts: map[string]AccountConfig{},
		RuleSets: map[string]RuleSet{
			"default": DefaultRuleSet(),
		},
		Routes: []RouteConfig{},
		Global: GlobalSettings{
			EmergencyStopLossPct: 0.05,
			DailyDrawdownLimit:   0.04,
			RolloverUtcHour:      0,
			ScanInterval:         Duration{30 * time.Minute},
			DrainTimeout:         Duration{10 * time.Second},
			EventParallelism:     4,
			QueueDepth:           32,
			LogSegmentBytes:      8 << 20,
		},
		Mode:     "run",
		LogLevel: "info",
		DataDir:  "data",
	}
}

// DefaultRuleSet is the conservative rule set seeded into new configs.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Filters: FiltersConfig{
			MaxPositions:         5,
			MinTimeBetweenTrades: Duration{2 * time.Minute},
			MaxDailyTrades:       10,
			BaseUnit:             0.10,
			MaxVolumeFactor:      3.0,
			SameSymbolMax:        2,
			SameSymbolWindow:     Duration{4 * time.Hour},
			GridPipBand:          20,
			DefaultPipSize:       0.0001,
			PipSizes: map[string]float64{
				"XAUUSD": 0.10,
				"USDJPY": 0.01,
			},
		},
		Sizing: SizingConfig{
			PerPositionCap:   2.0,
			TotalExposureCap: 6.0,
			MinLot:           0.01,
			VolumeStep:       0.01,
			LossDampenerCap:  3,
			MirrorSLTP:       true,
			SLBuffer:         1.0,
			TPBuffer:         1.0,
			SqueezeThreshold: 0.5,
			SqueezeGain:      1.0,
			SqueezeMaxBoost:  1.5,
		},
		Risk: RiskConfig{
			MaxConsecutiveLosses: 3,
			LossPause:            Duration{time.Hour},
			VolatilityMaxTrades:  6,
			VolatilityWindow:     Duration{15 * time.Minute},
			MaxOpenPositions:     5,
			MaxPerSymbol:         2,
		},
		Phases: PhasesConfig{
			Enabled: false,
			Phase1:  PhaseParams{Multiplier: 10, RiskFactor: 1.0},
			Phase2: PhaseTransition{
				PhaseParams:  PhaseParams{Multiplier: 5, RiskFactor: 1.25},
				MinDays:      14,
				MinWinRate:   0.55,
				MinProfitPct: 0.02,
			},
			Phase3: PhaseTransition{
				PhaseParams:  PhaseParams{Multiplier: 2, RiskFactor: 1.5},
				MinDays:      30,
				MinWinRate:   0.60,
				MinProfitPct: 0.05,
			},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":  true,
	"scan": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, scan)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown logLevel %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}

	// Broker — one credential source is required.
	if c.Broker.ApiHost == "" {
		errs = append(errs, "broker: apiHost must not be empty")
	}
	if c.Broker.StreamHost == "" {
		errs = append(errs, "broker: streamHost must not be empty")
	}
	if c.Broker.Token == "" && c.Broker.EncryptedTokenPath == "" {
		errs = append(errs, "broker: either token or encryptedTokenPath must be set")
	}
	if c.Broker.EncryptedTokenPath != "" && c.Broker.KeyPassphrase == "" {
		errs = append(errs, "broker: keyPassphrase is required when encryptedTokenPath is set")
	}
	if c.Broker.FailureThreshold < 1 {
		errs = append(errs, "broker: failureThreshold must be >= 1")
	}

	errs = append(errs, c.routeErrors()...)

	// Global settings.
	if c.Global.RolloverUtcHour < 0 || c.Global.RolloverUtcHour > 23 {
		errs = append(errs, fmt.Sprintf("globalSettings: rolloverUtcHour must be 0-23, got %d", c.Global.RolloverUtcHour))
	}
	if c.Global.ScanInterval.Duration < time.Minute {
		errs = append(errs, "globalSettings: scanInterval must be >= 1m")
	}
	if c.Global.EventParallelism < 1 {
		errs = append(errs, "globalSettings: eventParallelism must be >= 1")
	}
	if c.Global.QueueDepth < 1 {
		errs = append(errs, "globalSettings: queueDepth must be >= 1")
	}

	// Redis.
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: poolSize must be >= 1")
		}
	}

	// Postgres pool bounds only matter when a URL is configured.
	if c.Postgres.URL != "" {
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: poolMaxConns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: poolMinConns must be 0..poolMaxConns")
		}
	}

	// S3.
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retentionDays must be >= 1 when enabled")
		}
	}

	// Server.
	if c.Server.Enabled {
		if c.Server.Addr == "" {
			errs = append(errs, "server: addr must not be empty when enabled")
		}
		if c.Server.AuthToken == "" {
			errs = append(errs, "server: authToken must be set when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}


// ValidateRoutes checks only the accounts/routes/ruleSets coherence. Route
// mutations from the operator API validate the document form with it, since
// broker credentials may live in the environment rather than on disk.
func (c *Config) ValidateRoutes() error {
	if errs := c.routeErrors(); len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) routeErrors() []string {
	var errs []string

	for i, r := range c.Routes {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("routes[%d]: id must not be empty", i))
		}
		if _, ok := c.Accounts[r.Source]; !ok {
			errs = append(errs, fmt.Sprintf("routes[%d] (%s): source account %q not in accounts", i, r.ID, r.Source))
		}
		if _, ok := c.Accounts[r.Destination]; !ok {
			errs = append(errs, fmt.Sprintf("routes[%d] (%s): destination account %q not in accounts", i, r.ID, r.Destination))
		}
		if r.Source == r.Destination {
			errs = append(errs, fmt.Sprintf("routes[%d] (%s): source and destination must differ", i, r.ID))
		}
		if _, ok := c.RuleSets[r.RuleSet]; !ok {
			errs = append(errs, fmt.Sprintf("routes[%d] (%s): ruleSet %q not in ruleSets", i, r.ID, r.RuleSet))
		}
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("routes: duplicate id %q", r.ID))
		}
		seen[r.ID] = true
	}

	for id, a := range c.Accounts {
		if a.ReferenceBalance < 0 {
			errs = append(errs, fmt.Sprintf("accounts[%s]: referenceBalance must be >= 0", id))
		}
	}

	for id, rs := range c.RuleSets {
		if rs.Sizing.MinLot <= 0 {
			errs = append(errs, fmt.Sprintf("ruleSets[%s]: sizing.minLot must be > 0", id))
		}
		if rs.Sizing.VolumeStep <= 0 {
			errs = append(errs, fmt.Sprintf("ruleSets[%s]: sizing.volumeStep must be > 0", id))
		}
		if rs.Sizing.PerPositionCap <= 0 {
			errs = append(errs, fmt.Sprintf("ruleSets[%s]: sizing.perPositionCap must be > 0", id))
		}
		if rs.Filters.MaxPositions < 1 {
			errs = append(errs, fmt.Sprintf("ruleSets[%s]: filters.maxPositions must be >= 1", id))
		}
		for _, h := range rs.Filters.TradingHours {
			if h < 0 || h > 23 {
				errs = append(errs, fmt.Sprintf("ruleSets[%s]: filters.tradingHours entries must be 0-23, got %d", id, h))
			}
		}
		if rs.Phases.Enabled {
			if rs.Phases.Phase1.Multiplier <= 0 || rs.Phases.Phase2.Multiplier <= 0 || rs.Phases.Phase3.Multiplier <= 0 {
				errs = append(errs, fmt.Sprintf("ruleSets[%s]: phase multipliers must be > 0 when phases are enabled", id))
			}
		} else if rs.Phases.Phase1.Multiplier <= 0 {
			errs = append(errs, fmt.Sprintf("ruleSets[%s]: phases.phase1.multiplier must be > 0", id))
		}
	}

	return errs
}

// ResolveRoutes materializes domain routes from the config document,
// resolving account regions from the accounts map.
func (c *Config) ResolveRoutes() []domain.Route {
	out := make([]domain.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		src := c.Accounts[r.Source]
		dst := c.Accounts[r.Destination]
		prefs := domain.AllNotifications()
		if r.Notifications != nil {
			prefs = *r.Notifications
		}
		out = append(out, domain.Route{
			ID:            r.ID,
			Name:          r.Name,
			Source:        domain.AccountRef{ID: r.Source, Region: regionOrDefault(src.Region, c.Broker.DefaultRegion)},
			Destination:   domain.AccountRef{ID: r.Destination, Region: regionOrDefault(dst.Region, c.Broker.DefaultRegion)},
			RuleSet:       r.RuleSet,
			Enabled:       r.Enabled,
			AutoClose:     r.AutoClose,
			Notifications: prefs,
		})
	}
	return out
}

// ReferenceBalance returns the configured reference balance for an account,
// or zero when unknown.
func (c *Config) ReferenceBalance(accountID string) float64 {
	return c.Accounts[accountID].ReferenceBalance
}

// RuleSetFor returns the rule set bound to a route, falling back to the
// default set so a dangling reference cannot take the pipeline down.
func (c *Config) RuleSetFor(route domain.Route) RuleSet {
	if rs, ok := c.RuleSets[route.RuleSet]; ok {
		return rs
	}
	return DefaultRuleSet()
}

func regionOrDefault(region, def string) string {
	if region != "" {
		return region
	}
	return def
}
