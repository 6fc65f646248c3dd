package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.wagate",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "~/.wagate/wagate.db",
		},
		Sessions: SessionsConfig{
			DriverURL:         "ws://127.0.0.1:8765/session",
			QRTimeoutSeconds:  300,
			MaxBackoffSeconds: 60,
			AutoStart:         true,
		},
		Policy: PolicyConfig{
			ForbiddenPatterns:          defaultForbiddenPatterns(),
			ReplyWindowHours:           24,
			QuotaFailOpen:              true,
			InstanceRateLimitPerMinute: 0,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
		},
		Events: EventsConfig{
			Enabled:  false,
			Exchange: "wagate.events",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

func defaultForbiddenPatterns() []string {
	return []string{
		`free\s*money`,
		"winner",
		"lottery",
	}
}
