// Package config holds OPERATOR-LEVEL configuration for an Aegis
// installation.
//
// This is infrastructure config set by whoever deploys the governance
// engine, NOT the governance policy itself. The boundary is:
//
//   - Operator config (this package): data directory, audit signing key,
//     snapshot encryption key, listen address, log settings. Set via env
//     vars (AEGIS_*) or config file (aegis.config.yaml).
//
//   - Governance policy (internal/policy): what the agent may do. Lives
//     in aegis.yaml next to the governed workspace and is versioned with
//     it.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the AEGIS_ prefix
// (e.g. "signing_key" → AEGIS_SIGNING_KEY) and to a YAML field in
// aegis.config.yaml.
const (
	KeyDataDir        = "data_dir"
	KeySigningKey     = "signing_key"
	KeySnapshotKey    = "snapshot_key"
	KeyGovernanceFile = "governance_file"
	KeyListenAddr     = "listen_addr"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults — when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultGovernanceFile = "aegis.yaml"
	DefaultListenAddr     = ":8787"
)

// Config holds resolved operator-level configuration for an Aegis process.
type Config struct {
	DataDir        string // Base directory for all state (~/.aegis)
	SigningKey     string // HMAC-SHA256 key for audit signing (≥32 bytes)
	SnapshotKey    string // 64 hex chars decoding to 32 bytes for snapshot sealing
	GovernanceFile string // Governance policy filename
	ListenAddr     string // HTTP listen address for aegis serve

	usingDefaultSigningKey  bool
	usingDefaultSnapshotKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to a
// generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultSnapshotKey
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// TrustDBPath returns the full path to the trust scope SQLite database.
func (c *Config) TrustDBPath() string {
	return filepath.Join(c.DataDir, "trust.db")
}

// ApprovalDBPath returns the full path to the approval SQLite database.
func (c *Config) ApprovalDBPath() string {
	return filepath.Join(c.DataDir, "approvals.db")
}

// AutonomyDBPath returns the full path to the proposals SQLite database.
func (c *Config) AutonomyDBPath() string {
	return filepath.Join(c.DataDir, "autonomy.db")
}

// SnapshotDir returns the directory for encrypted snapshot blobs.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly
// set. Suppressed when AEGIS_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default AEGIS_SIGNING_KEY — set via env var or config file for production")
	}
	if c.usingDefaultSnapshotKey {
		log.Warn().Msg("Using generated default AEGIS_SNAPSHOT_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("AEGIS_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("AEGIS")
	viper.AutomaticEnv()
	viper.SetDefault(KeyGovernanceFile, DefaultGovernanceFile)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:        resolveDataDir(),
		SigningKey:     viper.GetString(KeySigningKey),
		SnapshotKey:    viper.GetString(KeySnapshotKey),
		GovernanceFile: viper.GetString(KeyGovernanceFile),
		ListenAddr:     viper.GetString(KeyListenAddr),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing-----")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = deriveDefaultKey(cfg.DataDir, "snapshot-sealing--")
		cfg.usingDefaultSnapshotKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong —
// it exists solely so `aegis serve` works out of the box while still
// signing and sealing with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("aegis:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if err := validateSnapshotKey(c.SnapshotKey); err != nil {
		return err
	}
	return nil
}

// validateSnapshotKey requires exactly 64 hex characters (32 bytes).
func validateSnapshotKey(key string) error {
	if len(key) == 64 && cryptoutil.IsHexString(key) {
		return nil
	}
	return fmt.Errorf("snapshot_key must be 64 hex characters (got %d); set AEGIS_SNAPSHOT_KEY", len(key))
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256). Hex is checked first (disjoint
// from raw) so that hex format is validated; raw is accepted otherwise
// when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set AEGIS_SIGNING_KEY", n)
}
