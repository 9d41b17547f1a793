// Package config loads the server's TOML configuration file (spec section
// 6), overlaid with a local .env for development the way the teacher's
// main() does with godotenv before reading its own env vars.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	SearchCacheSize        uint   `toml:"search_cache_size"`
	RequireValidatedEmail  bool   `toml:"require_validated_email"`
	Signing                Signing `toml:"signing"`
	Database               Database `toml:"database"`
	Email                   Email    `toml:"email"`
}

type Signing struct {
	Public  string `toml:"public"`  // base64 SPKI Ed25519 public key
	Private string `toml:"private"` // base64 PKCS#8 Ed25519 private key
}

type Database struct {
	RTA           string `toml:"rta"`
	BulletinBoard string `toml:"bulletinboard"`
}

type Email struct {
	VerificationFromEmail   string          `toml:"verification_from_email"`
	VerificationReplyTo     string          `toml:"verification_reply_to_email"`
	Relay                   string          `toml:"relay"`
	TestingEmailOverride    string          `toml:"testing_email_override"`
	SMTPCredentials         SMTPCredentials `toml:"smtp_credentials"`
}

type SMTPCredentials struct {
	AuthenticationIdentity string `toml:"authentication_identity"`
	Secret                 string `toml:"secret"`
}

// defaults matches spec section 6's documented defaults.
func defaults() Config {
	return Config{
		SearchCacheSize:       1000,
		RequireValidatedEmail: false,
	}
}

// Load reads path as TOML into a Config pre-populated with defaults. It
// also loads a sibling .env (if present) into the process environment
// first, the way the teacher's main() does, so secrets can be supplied
// out-of-band of the checked-in TOML file during local development.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Database.RTA == "" {
		return nil, fmt.Errorf("config: [database] rta is required")
	}
	if cfg.Database.BulletinBoard == "" {
		return nil, fmt.Errorf("config: [database] bulletinboard is required")
	}
	if cfg.Signing.Public == "" || cfg.Signing.Private == "" {
		return nil, fmt.Errorf("config: [signing] public and private are required")
	}

	return &cfg, nil
}
