package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidIdentityDrivers lists the identity drivers known to the server.
// Used by [Validate] to warn about unrecognised driver names.
var ValidIdentityDrivers = []string{DriverPostgres, DriverStatic}

// Environment variables that override file values.
const (
	EnvListenAddr  = "CLASSMESH_LISTEN_ADDR"
	EnvLogLevel    = "CLASSMESH_LOG_LEVEL"
	EnvPostgresDSN = "CLASSMESH_POSTGRES_DSN"
	EnvTURNSecret  = "CLASSMESH_TURN_SECRET"
	EnvAdminToken  = "CLASSMESH_ADMIN_TOKEN"
)

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// are named) into the process environment. Variables that are already set
// win. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, overlays the process
// environment and returns a validated [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. The environment is not consulted, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, nil)
}

func parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	*cfg = cfg.WithDefaults()
	return cfg, nil
}

// ApplyEnv overwrites cfg fields with the non-empty environment overrides.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvListenAddr, &cfg.Server.ListenAddr)
	set(EnvPostgresDSN, &cfg.Identity.PostgresDSN)
	set(EnvTURNSecret, &cfg.ICE.TURN.SharedSecret)
	set(EnvAdminToken, &cfg.Server.AdminToken)
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for i, pattern := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q is not a valid pattern: %w", i, pattern, err))
		}
	}

	// Classroom
	c := cfg.Classroom
	if c.ChatHistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("classroom.chat_history_limit %d must not be negative", c.ChatHistoryLimit))
	}
	if c.InboxSize < 0 {
		errs = append(errs, fmt.Errorf("classroom.inbox_size %d must not be negative", c.InboxSize))
	}
	if c.OutboundBuffer < 0 {
		errs = append(errs, fmt.Errorf("classroom.outbound_buffer %d must not be negative", c.OutboundBuffer))
	}
	if c.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("classroom.ping_interval %s must not be negative", c.PingInterval))
	}
	if c.MaxMessageBytes != 0 && c.MaxMessageBytes < 1024 {
		errs = append(errs, fmt.Errorf("classroom.max_message_bytes %d is below the 1024 byte minimum", c.MaxMessageBytes))
	}

	// Identity
	errs = append(errs, validateIdentity(cfg.Identity)...)

	// ICE
	if len(cfg.ICE.TURN.URLs) > 0 && cfg.ICE.TURN.SharedSecret == "" {
		errs = append(errs, fmt.Errorf("ice.turn.shared_secret is required when ice.turn.urls is set (or set %s)", EnvTURNSecret))
	}
	if cfg.ICE.TURN.SharedSecret != "" && len(cfg.ICE.TURN.URLs) == 0 {
		slog.Warn("ice.turn.shared_secret is set but ice.turn.urls is empty; no TURN server will be offered")
	}
	if len(cfg.ICE.STUNServers) == 0 && len(cfg.ICE.TURN.URLs) == 0 {
		slog.Warn("no ICE servers configured; peers behind NAT may fail to connect")
	}

	// Peer links
	pl := cfg.PeerLink
	if pl.MinBackoff > 0 && pl.MaxBackoff > 0 && pl.MaxBackoff < pl.MinBackoff {
		errs = append(errs, fmt.Errorf("peerlink.max_backoff %s is below peerlink.min_backoff %s", pl.MaxBackoff, pl.MinBackoff))
	}
	if pl.OfferFallback > 0 && pl.RecoveryFallback > 0 && pl.RecoveryFallback <= pl.OfferFallback {
		slog.Warn("peerlink.recovery_fallback should be longer than peerlink.offer_fallback",
			"recovery_fallback", pl.RecoveryFallback,
			"offer_fallback", pl.OfferFallback,
		)
	}
	if pl.MaxRecoveryAttempts < 0 {
		errs = append(errs, fmt.Errorf("peerlink.max_recovery_attempts %d must not be negative", pl.MaxRecoveryAttempts))
	}

	return errors.Join(errs...)
}

func validateIdentity(id IdentityConfig) []error {
	var errs []error

	if id.Driver != "" && !slices.Contains(ValidIdentityDrivers, id.Driver) {
		slog.Warn("unknown identity driver", "driver", id.Driver, "known", ValidIdentityDrivers)
	}
	if id.Driver == DriverPostgres && id.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("identity.postgres_dsn is required for driver %q (or set %s)", DriverPostgres, EnvPostgresDSN))
	}
	if id.Driver != DriverPostgres && id.PostgresDSN != "" {
		slog.Warn("identity.postgres_dsn is set but the postgres driver is not selected", "driver", id.Driver)
	}
	if id.Breaker.MaxFailures < 0 || id.Breaker.HalfOpenMax < 0 || id.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("identity.breaker values must not be negative"))
	}

	classes := make(map[string]int, len(id.Classes))
	for i, cl := range id.Classes {
		prefix := fmt.Sprintf("identity.classes[%d]", i)
		if cl.ClassID == "" {
			errs = append(errs, fmt.Errorf("%s.class_id is required", prefix))
			continue
		}
		if prev, ok := classes[cl.ClassID]; ok {
			errs = append(errs, fmt.Errorf("%s.class_id %q is a duplicate of identity.classes[%d]", prefix, cl.ClassID, prev))
		}
		classes[cl.ClassID] = i
	}

	tokens := make(map[string]int, len(id.Users))
	userIDs := make(map[string]int, len(id.Users))
	for i, u := range id.Users {
		prefix := fmt.Sprintf("identity.users[%d]", i)
		if u.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else {
			if prev, ok := tokens[u.Token]; ok {
				errs = append(errs, fmt.Errorf("%s.token is a duplicate of identity.users[%d]", prefix, prev))
			}
			tokens[u.Token] = i
		}
		if u.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
		} else {
			if prev, ok := userIDs[u.UserID]; ok {
				errs = append(errs, fmt.Errorf("%s.user_id %q is a duplicate of identity.users[%d]", prefix, u.UserID, prev))
			}
			userIDs[u.UserID] = i
		}
		if !classroom.Role(u.Role).IsValid() {
			errs = append(errs, fmt.Errorf("%s.role %q is invalid; valid values: instructor, student", prefix, u.Role))
		}
		for _, cid := range u.Classes {
			if _, ok := classes[cid]; !ok {
				errs = append(errs, fmt.Errorf("%s.classes references unknown class %q", prefix, cid))
			}
		}
	}

	if id.Driver == DriverStatic && len(id.Users) == 0 {
		slog.Warn("static identity driver has no users; every join will be rejected")
	}
	return errs
}
