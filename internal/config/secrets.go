package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Copy slices so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Feed.Series != nil {
		out.Feed.Series = make([]string, len(cfg.Feed.Series))
		copy(out.Feed.Series, cfg.Feed.Series)
	}

	return out
}

func redact(field *string) {
	if *field != "" {
		*field = "***"
	}
}
