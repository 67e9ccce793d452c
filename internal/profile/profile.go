// Package profile is the configuration of the always-prefetch server.
package profile

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/always-cache/always-prefetch/model"
)

// EnvPrefix is the prefix of the environment variables read by FromViper,
// e.g. APREFETCH_ORIGIN.
const EnvPrefix = "APREFETCH"

// Profile is configuration to start the proxy.
type Profile struct {
	// Origin server to proxy to.
	Origin string
	// Hostname for origin requests and TLS, if the origin is an IP address.
	Host string
	Addr string
	Port int
	// Optional YAML site configuration: rule policy and data island rules.
	ConfigFile string

	// Model artifact and vocabulary locations. No model if ModelURL is empty.
	ModelURL    string
	VocabURL    string
	Runtime     string
	Window      int
	LoadTimeout time.Duration

	// Secret for signing visit log tokens. Tokens are unsigned if empty.
	Secret        string
	SecureCookies bool
	InjectIsland  bool
	UserIDHeader  string

	// Prewarm targets; the origin if empty. "off" disables prewarming.
	PrewarmURL         string
	PrewarmConcurrency int64
	PrewarmRate        float64

	// Clickstream store DSN: SQLite file name or postgres:// URL.
	// Nothing is recorded if empty.
	DSN string

	LogFile string
	Trace   bool
}

// FromViper reads the profile from v. Keys are the long flag names; every
// key can also be set as an APREFETCH_ environment variable.
func FromViper(v *viper.Viper) *Profile {
	return &Profile{
		Origin:             v.GetString("origin"),
		Host:               v.GetString("host"),
		Addr:               v.GetString("addr"),
		Port:               v.GetInt("port"),
		ConfigFile:         v.GetString("config"),
		ModelURL:           v.GetString("model-url"),
		VocabURL:           v.GetString("vocab-url"),
		Runtime:            v.GetString("runtime"),
		Window:             v.GetInt("window"),
		LoadTimeout:        v.GetDuration("load-timeout"),
		Secret:             v.GetString("secret"),
		SecureCookies:      v.GetBool("secure-cookies"),
		InjectIsland:       v.GetBool("inject-island"),
		UserIDHeader:       v.GetString("user-id-header"),
		PrewarmURL:         v.GetString("prewarm-url"),
		PrewarmConcurrency: v.GetInt64("prewarm-concurrency"),
		PrewarmRate:        v.GetFloat64("prewarm-rate"),
		DSN:                v.GetString("dsn"),
		LogFile:            v.GetString("log-file"),
		Trace:              v.GetBool("vv"),
	}
}

// BindEnv makes v read APREFETCH_* variables, with dashes in keys replaced
// by underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Validate checks the settings needed to serve and fills in defaults.
func (p *Profile) Validate() error {
	if p.Origin == "" {
		return errors.New("no origin configured")
	}
	if _, err := p.OriginURL(); err != nil {
		return err
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	return p.ValidateModel()
}

// ValidateModel checks the model settings, which the one-off commands use too.
func (p *Profile) ValidateModel() error {
	if p.Window <= 0 {
		p.Window = model.DefaultWindow
	}
	if p.LoadTimeout <= 0 {
		p.LoadTimeout = 30 * time.Second
	}
	if p.ModelURL == "" {
		return nil
	}
	if p.VocabURL == "" {
		return errors.New("model-url needs vocab-url")
	}
	if p.Runtime == "" {
		p.Runtime = model.NgramRuntimeName
	}
	return nil
}

// OriginURL parses the origin. A bare host name or address means https.
func (p *Profile) OriginURL() (*url.URL, error) {
	origin := p.Origin
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, errors.Wrap(err, "invalid origin")
	}
	if u.Host == "" {
		return nil, errors.Errorf("invalid origin %q", p.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.Errorf("origins with paths are not supported: %q", p.Origin)
	}
	u.Path = ""
	return u, nil
}

// PrewarmDisabled reports whether prewarm probes are switched off.
func (p *Profile) PrewarmDisabled() bool {
	return strings.EqualFold(p.PrewarmURL, "off")
}

// LoaderConfig is the model loader configuration described by the profile.
// The runtime falls back to the null runtime if this build does not have it.
func (p *Profile) LoaderConfig() (model.LoaderConfig, bool) {
	rt, ok := model.SelectRuntime(p.Runtime)
	return model.LoaderConfig{
		ModelURL: p.ModelURL,
		VocabURL: p.VocabURL,
		Runtime:  rt,
		Window:   p.Window,
	}, ok
}
