package ponyproxy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
)

// AutoProxyURI asks Start to listen on any free port of 127.0.0.1.
const AutoProxyURI = "Auto"

// EnvPrefix prefixes the environment variables read by LoadConfig.
const EnvPrefix = "PONY"

// DefenseMode selects the content rules applied to pages.
type DefenseMode int

const (
	Adult DefenseMode = iota
	WhiteListOnly
	NoSlangAnalyzer
	PoneyAugmentedProtectionAnalyzer
)

var defenseModeNames = []string{"Adult", "WhiteListOnly", "NoSlangAnalyzer", "PoneyAugmentedProtectionAnalyzer"}

func (m DefenseMode) String() string {
	if m < 0 || int(m) >= len(defenseModeNames) {
		return fmt.Sprintf("DefenseMode(%d)", int(m))
	}
	return defenseModeNames[m]
}

func (m DefenseMode) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(defenseModeNames) {
		return nil, fmt.Errorf("ponyproxy: unknown defense mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *DefenseMode) UnmarshalText(b []byte) error {
	for i, name := range defenseModeNames {
		if strings.EqualFold(name, strings.TrimSpace(string(b))) {
			*m = DefenseMode(i)
			return nil
		}
	}
	return fmt.Errorf("ponyproxy: unknown defense mode %q", b)
}

// TraceLevel is the verbosity of the proxy logs.
type TraceLevel int

const (
	TraceOff TraceLevel = iota
	TraceError
	TraceWarning
	TraceInformation
	TraceVerbose
)

var traceLevelNames = []string{"Off", "Error", "Warning", "Information", "Verbose"}

func (l TraceLevel) String() string {
	if l < 0 || int(l) >= len(traceLevelNames) {
		return fmt.Sprintf("TraceLevel(%d)", int(l))
	}
	return traceLevelNames[l]
}

func (l TraceLevel) MarshalText() ([]byte, error) {
	if l < 0 || int(l) >= len(traceLevelNames) {
		return nil, fmt.Errorf("ponyproxy: unknown trace level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *TraceLevel) UnmarshalText(b []byte) error {
	for i, name := range traceLevelNames {
		if strings.EqualFold(name, strings.TrimSpace(string(b))) {
			*l = TraceLevel(i)
			return nil
		}
	}
	return fmt.Errorf("ponyproxy: unknown trace level %q", b)
}

// zapLevel returns the minimum zap level for l. The second result is false
// for TraceOff.
func (l TraceLevel) zapLevel() (zapcore.Level, bool) {
	switch l {
	case TraceOff:
		return zapcore.FatalLevel, false
	case TraceError:
		return zapcore.ErrorLevel, true
	case TraceWarning:
		return zapcore.WarnLevel, true
	case TraceVerbose:
		return zapcore.DebugLevel, true
	}
	return zapcore.InfoLevel, true
}

// Config is the session configuration. Start keeps its own copy.
type Config struct {
	Mode DefenseMode `yaml:"mode" envconfig:"MODE"`
	// WhiteList holds the authorities browsable in WhiteListOnly mode.
	// Entries may be glob patterns such as *.wikipedia.com.
	WhiteList []string `yaml:"whiteList" envconfig:"WHITELIST"`
	// EnableRedirectWindowOpen is only meaningful to the host.
	EnableRedirectWindowOpen bool       `yaml:"enableRedirectWindowOpen" envconfig:"ENABLE_REDIRECT_WINDOW_OPEN"`
	TraceLevel               TraceLevel `yaml:"traceLevel" envconfig:"TRACE_LEVEL"`
	// ProxyURI is AutoProxyURI or the base URI to listen on.
	ProxyURI string `yaml:"proxyUri" envconfig:"PROXY_URI"`
}

func DefaultConfig() Config {
	return Config{
		Mode:       Adult,
		TraceLevel: TraceWarning,
		ProxyURI:   AutoProxyURI,
	}
}

// LoadConfig reads defaults, then the YAML file at path when it exists,
// then PONY_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("ponyproxy: read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("ponyproxy: parse config %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("ponyproxy: config from environment: %w", err)
	}
	if cfg.ProxyURI == "" {
		cfg.ProxyURI = AutoProxyURI
	}
	return cfg, nil
}

// Allows reports whether authority is whitelisted, ignoring case.
func (c Config) Allows(authority string) bool {
	authority = strings.ToLower(authority)
	for _, entry := range c.WhiteList {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == authority {
			return true
		}
		if ok, err := doublestar.Match(entry, authority); err == nil && ok {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	c.WhiteList = append([]string(nil), c.WhiteList...)
	return c
}
