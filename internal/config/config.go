package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	IdentitySecret    string        `mapstructure:"identity_secret" yaml:"identity_secret"`
	IdentityIssuer    string        `mapstructure:"identity_issuer" yaml:"identity_issuer"`
	Game              Game          `mapstructure:"game" yaml:"game"`
}

// Game holds session coordination tuning.
type Game struct {
	// MaxPlayers bounds seats per session.
	MaxPlayers int `mapstructure:"max_players" yaml:"max_players"`
	// EventBufferCap bounds each session's event log ring buffer.
	EventBufferCap int `mapstructure:"event_buffer_cap" yaml:"event_buffer_cap"`
	// JoinAttempts bounds retries when concurrent joins race for a slot.
	JoinAttempts int `mapstructure:"join_attempts" yaml:"join_attempts"`
	// HeartbeatInterval is the cadence clients are expected to heartbeat at.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// PresenceTimeout is the staleness window before a player is demoted.
	PresenceTimeout time.Duration `mapstructure:"presence_timeout" yaml:"presence_timeout"`
	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// ReconcileInterval is the cadence of defensive snapshot re-pushes to
	// connected clients, in case a change notification was missed.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	// TurnTimeout is advertised to clients so they can run their turn timers.
	TurnTimeout time.Duration `mapstructure:"turn_timeout" yaml:"turn_timeout"`
	// Categories overrides the built-in round category catalog.
	Categories []string `mapstructure:"categories" yaml:"categories,omitempty"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		DatabasePath:      "letterloop.db",
		LogLevel:          "info",
		IdentitySecret:    "",
		IdentityIssuer:    "letterloop",
		Game: Game{
			MaxPlayers:        6,
			EventBufferCap:    50,
			JoinAttempts:      5,
			HeartbeatInterval: 15 * time.Second,
			PresenceTimeout:   45 * time.Second,
			SweepInterval:     90 * time.Second,
			ReconcileInterval: 10 * time.Second,
			TurnTimeout:       30 * time.Second,
		},
	}
}
