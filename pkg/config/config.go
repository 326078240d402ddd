// Copyright 2024-2026 Aiku AI

// Package config defines the bridge configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MembershipSyncMode controls how channel membership is mirrored into
// Matrix rooms for a network.
type MembershipSyncMode string

const (
	// SyncInitial mirrors a full membership snapshot once at connect time
	// and then follows individual events.
	SyncInitial MembershipSyncMode = "initial"
	// SyncIncremental follows individual join/part events only.
	SyncIncremental MembershipSyncMode = "incremental"
	// SyncOff disables membership mirroring entirely.
	SyncOff MembershipSyncMode = "off"
)

// Config is the top-level bridge configuration.
type Config struct {
	Homeserver HomeserverConfig          `yaml:"homeserver"`
	Database   DatabaseConfig            `yaml:"database"`
	Logging    LoggingConfig             `yaml:"logging"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Servers    map[string]*ServerConfig  `yaml:"servers"`
}

// HomeserverConfig identifies the homeserver the appservice talks to.
type HomeserverConfig struct {
	URL    string `yaml:"url"`
	Domain string `yaml:"domain"`
	// ASToken is the appservice token used for all intent clients.
	ASToken string `yaml:"as_token"`
	// BotUserID is the MXID of the bridge bot.
	BotUserID string `yaml:"bot_user_id"`
	// GhostPrefix is the localpart prefix for relayed IRC identities,
	// e.g. "irc_" yields @irc_libera_nick:domain.
	GhostPrefix string `yaml:"ghost_prefix"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the bind address of the /metrics endpoint, e.g. ":9100".
	// Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// ServerConfig holds the per-network flags, keyed in Config.Servers by the
// network domain (e.g. "irc.libera.chat").
type ServerConfig struct {
	// Name is a short alias for the network used in the room directory and
	// in ghost user IDs. Defaults to the map key.
	Name string `yaml:"name"`

	// Address is the IRC server hostname. Defaults to the map key.
	Address string `yaml:"address"`
	// Port defaults to 6697 with TLS and 6667 without.
	Port int  `yaml:"port"`
	TLS  bool `yaml:"tls"`
	// BotNick is the nick of the bridge's own connection.
	BotNick string `yaml:"bot_nick"`
	// Password authenticates the connection, via SASL PLAIN when SASL is
	// set and as a server password otherwise.
	Password string `yaml:"password"`
	SASL     bool   `yaml:"sasl"`

	// DebounceQuits absorbs quit/rejoin bursts instead of mirroring every
	// quit as an immediate mass-leave.
	DebounceQuits bool `yaml:"debounce_quits"`
	// QuitDebounceDelayMinMS and QuitDebounceDelayMaxMS bound the random
	// grace period applied to each debounced quit.
	QuitDebounceDelayMinMS int `yaml:"quit_debounce_delay_min_ms"`
	QuitDebounceDelayMaxMS int `yaml:"quit_debounce_delay_max_ms"`

	// MembershipSync selects the membership mirroring mode.
	MembershipSync MembershipSyncMode `yaml:"membership_sync"`

	// JoinAttempts is the per-server retry ceiling for join propagation.
	// 0 means unlimited, negative means never retry.
	JoinAttempts int `yaml:"join_attempts"`

	// PMAllowed permits private-message rooms with users of this network.
	PMAllowed bool `yaml:"pm_allowed"`
	// Federation controls whether bridged rooms are federated.
	Federation bool `yaml:"federation"`

	// LeaveConcurrency is the lane count of the leave/kick worker pool.
	LeaveConcurrency int `yaml:"leave_concurrency"`
}

// Defaults applied by PostProcess.
const (
	DefaultQuitDebounceMinMS = 3_600_000  // 1h
	DefaultQuitDebounceMaxMS = 7_200_000  // 2h
	DefaultLeaveConcurrency  = 10
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Homeserver.GhostPrefix == "" {
		c.Homeserver.GhostPrefix = "irc_"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for domain, server := range c.Servers {
		if server == nil {
			return fmt.Errorf("server %q has no configuration", domain)
		}
		if server.Name == "" {
			server.Name = domain
		}
		if server.Address == "" {
			server.Address = domain
		}
		if server.Port == 0 {
			if server.TLS {
				server.Port = 6697
			} else {
				server.Port = 6667
			}
		}
		if server.BotNick == "" {
			return fmt.Errorf("server %q: bot_nick is required", domain)
		}
		switch server.MembershipSync {
		case "":
			server.MembershipSync = SyncIncremental
		case SyncInitial, SyncIncremental, SyncOff:
		default:
			return fmt.Errorf("server %q: invalid membership_sync %q", domain, server.MembershipSync)
		}
		if server.QuitDebounceDelayMinMS <= 0 {
			server.QuitDebounceDelayMinMS = DefaultQuitDebounceMinMS
		}
		if server.QuitDebounceDelayMaxMS < server.QuitDebounceDelayMinMS {
			server.QuitDebounceDelayMaxMS = DefaultQuitDebounceMaxMS
			if server.QuitDebounceDelayMaxMS < server.QuitDebounceDelayMinMS {
				server.QuitDebounceDelayMaxMS = server.QuitDebounceDelayMinMS
			}
		}
		if server.LeaveConcurrency <= 0 {
			server.LeaveConcurrency = DefaultLeaveConcurrency
		}
	}
	return nil
}

// QuitDebounceDelayMin returns the lower bound of the quit grace period.
func (s *ServerConfig) QuitDebounceDelayMin() time.Duration {
	return time.Duration(s.QuitDebounceDelayMinMS) * time.Millisecond
}

// QuitDebounceDelayMax returns the upper bound of the quit grace period.
func (s *ServerConfig) QuitDebounceDelayMax() time.Duration {
	return time.Duration(s.QuitDebounceDelayMaxMS) * time.Millisecond
}
