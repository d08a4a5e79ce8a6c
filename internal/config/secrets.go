package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Broker
	out.Broker = cfg.Broker
	redact(&out.Broker.Token)
	redact(&out.Broker.KeyPassphrase)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.URL)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.AuthToken)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Routes != nil {
		out.Routes = make([]RouteConfig, len(cfg.Routes))
		copy(out.Routes, cfg.Routes)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Accounts != nil {
		out.Accounts = make(map[string]AccountConfig, len(cfg.Accounts))
		for k, v := range cfg.Accounts {
			out.Accounts[k] = v
		}
	}
	if cfg.RuleSets != nil {
		out.RuleSets = make(map[string]RuleSet, len(cfg.RuleSets))
		for k, v := range cfg.RuleSets {
			out.RuleSets[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
