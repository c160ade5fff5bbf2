// Package config defines the runtime configuration for shellbridge:
// daemon-level settings loaded from the environment and per-call
// connection parameters supplied by the upstream caller.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds daemon-level tuneables.  The upstream caller owns
// human-user authentication and per-call credentials; nothing secret
// about remote hosts lives here.
type Settings struct {
	ListenAddr    string        `envconfig:"LISTEN_ADDR" default:":8080"`
	IdleTTL       time.Duration `envconfig:"IDLE_TTL" default:"15m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	// VCS tree API used exclusively by directory listing.
	VCSAPIBase string `envconfig:"VCS_API_BASE" default:"https://api.github.com"`
	VCSToken   string `envconfig:"VCS_TOKEN" default:""`

	// Optional YAML overlay extending the project template registry.
	TemplateFile string `envconfig:"TEMPLATE_FILE" default:""`
}

// LoadSettings reads Settings from SHELLBRIDGE_* environment variables.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("SHELLBRIDGE", &s); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return &s, nil
}

// ── Per-call connection parameters ───────────────────────────────────

// Credentials authenticates one SSH hop.  Exactly one of Password or
// PrivateKey should be set; PrivateKey is the PEM text, not a path,
// because the caller supplies already-validated material per call.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// JumpHost describes the intermediary hop.  Its credentials are
// independent of the target's.
type JumpHost struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Credentials
}

// ConnectParams is everything needed to open (or test) a session.
type ConnectParams struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Credentials

	JumpHost *JumpHost `json:"jumpHost,omitempty"`

	Shell string            `json:"shell,omitempty"` // preferred shell, default "bash"
	Env   map[string]string `json:"env,omitempty"`   // initial exports

	// ReadyTimeout bounds one SSH handshake.  The jump-host path gets
	// double the budget because two sequential handshakes occur.
	ReadyTimeout time.Duration `json:"-"`

	// Host key verification is off by default: the upstream caller has
	// already vetted the host it hands us.
	StrictHostKey  bool   `json:"-"`
	KnownHostsPath string `json:"-"`

	// AllowAgent permits empty credentials so the dialer can fall back
	// to a running SSH agent.  CLI test mode only; never set over the
	// wire.
	AllowAgent bool `json:"-"`
}

// Validate checks that the parameters can plausibly open a connection.
func (p *ConnectParams) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("host is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range 0-65535", p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("username is required")
	}
	if p.Password == "" && p.PrivateKey == "" && !p.AllowAgent {
		return fmt.Errorf("either password or privateKey is required")
	}
	if p.JumpHost != nil {
		j := p.JumpHost
		if j.Host == "" {
			return fmt.Errorf("jumpHost.host is required")
		}
		if j.Username == "" {
			return fmt.Errorf("jumpHost.username is required")
		}
		if j.Password == "" && j.PrivateKey == "" {
			return fmt.Errorf("jumpHost requires password or privateKey")
		}
	}
	return nil
}

// ApplyDefaults fills zero values in place.
func (p *ConnectParams) ApplyDefaults() {
	if p.Port == 0 {
		p.Port = 22
	}
	if p.Shell == "" {
		p.Shell = "bash"
	}
	if p.ReadyTimeout == 0 {
		p.ReadyTimeout = DefaultReadyTimeout
	}
	if p.JumpHost != nil && p.JumpHost.Port == 0 {
		p.JumpHost.Port = 22
	}
}

// ── Host-spec parser ─────────────────────────────────────────────────

// hostRe matches [user@]host[:port].
var hostRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseHostSpec extracts user, host, and port from a string such as
// "admin@build.example.com:2222".  Port defaults to 22.
func ParseHostSpec(spec string) (user, host string, port int, err error) {
	m := hostRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid host spec %q, expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = 22
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", m[3])
		}
	}
	return user, host, port, nil
}
