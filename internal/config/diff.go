package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChatHistoryLimitChanged applies to rooms created after the reload;
	// live rooms keep the cap they were created with.
	ChatHistoryLimitChanged bool
	NewChatHistoryLimit     int

	// ICEChanged is true if the STUN/TURN server list or TURN credential
	// settings changed. New joins receive the new servers.
	ICEChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ChatHistoryLimitChanged || d.ICEChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Classroom.ChatHistoryLimit != new.Classroom.ChatHistoryLimit {
		d.ChatHistoryLimitChanged = true
		d.NewChatHistoryLimit = new.Classroom.ChatHistoryLimit
	}

	o, n := old.ICE, new.ICE
	if !slices.Equal(o.STUNServers, n.STUNServers) ||
		!slices.Equal(o.TURN.URLs, n.TURN.URLs) ||
		o.TURN.SharedSecret != n.TURN.SharedSecret ||
		o.TURN.CredentialTTL != n.TURN.CredentialTTL {
		d.ICEChanged = true
	}

	return d
}
