package lunet

import (
	"os"
	"strconv"
)

// Config holds the process-wide runtime configuration surfaced by the CLI
// (spec.md §6). It is created once at startup and passed by reference,
// following the "global state... explicit fields of a runtime object"
// guidance in spec.md §9.
type Config struct {
	// SkipLoopbackRestriction disables the loopback bind policy for TCP
	// and UDP listeners (--dangerously-skip-loopback-restriction).
	SkipLoopbackRestriction bool

	// VerboseTrace enables per-event diagnostic logging
	// (--verbose-trace).
	VerboseTrace bool

	// ExitCode is the process-wide integer exit status a script may set
	// without bypassing shutdown diagnostics. A nil value means the
	// process should exit 0 unless a script error occurred.
	ExitCode *int32

	// HTTPInsecureSkipVerify disables TLS verification for the (out of
	// scope) HTTP collaborator, sourced from HTTPC_INSECURE.
	HTTPInsecureSkipVerify bool

	// GraphliteLibraryPath overrides the dynamically loaded GraphLite
	// driver library path, sourced from GRAPHLITE_LIB.
	GraphliteLibraryPath string
}

// Option configures a Config.
type Option func(*Config)

// WithSkipLoopbackRestriction toggles the loopback bind policy.
func WithSkipLoopbackRestriction(skip bool) Option {
	return func(c *Config) { c.SkipLoopbackRestriction = skip }
}

// WithVerboseTrace toggles per-event diagnostic logging.
func WithVerboseTrace(verbose bool) Option {
	return func(c *Config) { c.VerboseTrace = verbose }
}

// NewConfig builds a Config from options, defaulting every field to the
// conservative (safe) value.
func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LoadConfigFromEnv overlays the subset of configuration sourced from
// environment variables (spec.md §6) onto c. It never overrides a flag the
// caller has already set via Option; it only fills defaults.
func LoadConfigFromEnv(c *Config) *Config {
	if v, ok := os.LookupEnv("HTTPC_INSECURE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.HTTPInsecureSkipVerify = b
		}
	}
	if v, ok := os.LookupEnv("GRAPHLITE_LIB"); ok && v != "" {
		c.GraphliteLibraryPath = v
	}
	return c
}

// IsLoopback reports whether host is one of the three addresses the
// bind-address policy (spec.md §6) treats as loopback.
func IsLoopback(host string) bool {
	switch host {
	case "127.0.0.1", "::1", "localhost":
		return true
	default:
		return false
	}
}
