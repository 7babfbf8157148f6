package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AccessTokenChanged is set when the user credential rotated. It is
	// applied to the credential source in place.
	AccessTokenChanged bool
	NewAccessToken     string

	// SessionChanged covers every session field. Prompt and voice apply
	// from the next conversation; the rest wait for a restart.
	SessionChanged bool

	// KnowledgeChanged covers the store DSN, the inline bases and the base id
	// filter. Only the DSN waits for a restart.
	KnowledgeChanged bool

	// ListenAddrChanged, BackendChanged and ProvidersChanged need a restart.
	ListenAddrChanged bool
	BackendChanged    bool
	ProvidersChanged  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	if old.Backend.AccessToken != new.Backend.AccessToken {
		d.AccessTokenChanged = true
		d.NewAccessToken = new.Backend.AccessToken
	}
	ob, nb := old.Backend, new.Backend
	ob.AccessToken, nb.AccessToken = "", ""
	d.BackendChanged = ob != nb

	d.SessionChanged = old.Session != new.Session
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.KnowledgeChanged = old.Knowledge.PostgresDSN != new.Knowledge.PostgresDSN ||
		!slices.Equal(old.Knowledge.BaseIDs, new.Knowledge.BaseIDs) ||
		!slices.Equal(old.Knowledge.Bases, new.Knowledge.Bases)

	return d
}

// RestartRequired reports whether any change can only take effect after a
// restart.
func (d ConfigDiff) RestartRequired() bool {
	return d.ListenAddrChanged || d.BackendChanged || d.ProvidersChanged
}

// Sections lists the config sections that changed, in file order.
func (d ConfigDiff) Sections() []string {
	var out []string
	if d.LogLevelChanged || d.ListenAddrChanged {
		out = append(out, "server")
	}
	if d.AccessTokenChanged || d.BackendChanged {
		out = append(out, "backend")
	}
	if d.SessionChanged {
		out = append(out, "session")
	}
	if d.ProvidersChanged {
		out = append(out, "providers")
	}
	if d.KnowledgeChanged {
		out = append(out, "knowledge")
	}
	return out
}
