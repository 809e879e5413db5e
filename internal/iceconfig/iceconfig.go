// Package iceconfig builds the ICE server list handed to participants on
// join. TURN entries carry time-limited credentials in the TURN REST
// format (username is the expiry timestamp, credential is
// base64(HMAC-SHA1(secret, username))), which coturn and pion/turn accept
// with a shared static-auth-secret.
package iceconfig

import (
	"log/slog"
	"slices"
	"time"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/pion/turn/v4"
)

// CredentialFunc issues a TURN username and password valid for ttl.
type CredentialFunc func(secret string, ttl time.Duration) (username, password string, err error)

// Provider issues ICE servers. It is safe for concurrent use.
type Provider struct {
	stun     []string
	turnURLs []string
	secret   string
	ttl      time.Duration
	issue    CredentialFunc
}

// Option configures a [Provider].
type Option func(*Provider)

// WithCredentialFunc replaces the TURN credential generator.
func WithCredentialFunc(fn CredentialFunc) Option {
	return func(p *Provider) { p.issue = fn }
}

// New returns a provider for cfg.
func New(cfg config.ICEConfig, opts ...Option) *Provider {
	p := &Provider{
		stun:     slices.Clone(cfg.STUNServers),
		turnURLs: slices.Clone(cfg.TURN.URLs),
		secret:   cfg.TURN.SharedSecret,
		ttl:      cfg.TURN.CredentialTTL,
		issue:    turn.GenerateLongTermCredentials,
	}
	if p.ttl <= 0 {
		p.ttl = config.DefaultCredentialTTL
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Servers returns the STUN entry and, when TURN is configured, a TURN entry
// with fresh credentials. A credential failure drops the TURN entry rather
// than failing the join.
func (p *Provider) Servers(userID string) []classroom.ICEServer {
	var out []classroom.ICEServer
	if len(p.stun) > 0 {
		out = append(out, classroom.ICEServer{URLs: slices.Clone(p.stun)})
	}
	if len(p.turnURLs) == 0 || p.secret == "" {
		return out
	}
	user, pass, err := p.issue(p.secret, p.ttl)
	if err != nil {
		slog.Warn("turn credential generation failed; offering STUN only", "user_id", userID, "err", err)
		return out
	}
	return append(out, classroom.ICEServer{
		URLs:       slices.Clone(p.turnURLs),
		Username:   user,
		Credential: pass,
	})
}
