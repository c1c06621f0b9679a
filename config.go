package meetspot

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	configFileName = "meetspot"
	envPrefix      = "MEETSPOT_"

	defaultAPIBaseURL      = "https://api.meetspot.app"
	defaultFallbackBaseURL = "https://api-legacy.meetspot.app"
	defaultAPITimeout      = 30 * time.Second
	defaultExpiredMarker   = "token_expired"
	defaultDurablePath     = "meetspot.db"

	accessTokenKey  = "meetspot.access_token"
	refreshTokenKey = "meetspot.refresh_token"
	rememberKey     = "meetspot.remember"
)

type Config struct {
	Env struct {
		Env         string `json:"env" yaml:"env"`
		ServiceName string `json:"serviceName" yaml:"serviceName"`
		Log         Log    `json:"log" yaml:"log"`
	} `json:"env" yaml:"env"`

	API APIConfig `json:"api" yaml:"api"`

	Storage struct {
		// DurablePath is the SQLite file backing the durable storage scope.
		// An empty path keeps the durable scope in memory.
		DurablePath string `json:"durablePath" yaml:"durablePath"`
	} `json:"storage" yaml:"storage"`
}

type Log struct {
	Pretty bool   `json:"pretty" yaml:"pretty"`
	Level  string `json:"level" yaml:"level"`
}

// APIConfig describes how to reach the meetspot backend.
type APIConfig struct {
	BaseURL         string        `json:"baseURL" yaml:"baseURL"`
	FallbackBaseURL string        `json:"fallbackBaseURL" yaml:"fallbackBaseURL"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`

	// ExpiredMarker is the value of the `code` (or `error`) field a 401 body
	// carries when the access token expired rather than being invalid.
	ExpiredMarker string `json:"expiredMarker" yaml:"expiredMarker"`

	Paths APIPaths `json:"paths" yaml:"paths"`
}

// APIPaths are relative to the base URL. Status and Results contain a single
// %s placeholder for the meeting id.
type APIPaths struct {
	Login    string `json:"login" yaml:"login"`
	Register string `json:"register" yaml:"register"`
	Refresh  string `json:"refresh" yaml:"refresh"`
	Profile  string `json:"profile" yaml:"profile"`
	Status   string `json:"status" yaml:"status"`
	Results  string `json:"results" yaml:"results"`
}

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Env.Env = "production"
	cfg.Env.ServiceName = "meetspot-client"
	cfg.Env.Log = Log{Level: "info"}
	cfg.API = APIConfig{
		BaseURL:         defaultAPIBaseURL,
		FallbackBaseURL: defaultFallbackBaseURL,
		Timeout:         defaultAPITimeout,
		ExpiredMarker:   defaultExpiredMarker,
		Paths: APIPaths{
			Login:    "/auth/login",
			Register: "/auth/register",
			Refresh:  "/auth/refresh",
			Profile:  "/users/me",
			Status:   "/meetings/%s/status",
			Results:  "/meetings/%s/results",
		},
	}
	cfg.Storage.DurablePath = defaultDurablePath
	return cfg
}

// LoadConfig reads meetspot.yaml from the first search path that has one and
// applies MEETSPOT_* environment overrides on top of the defaults. A missing
// file is not an error.
func LoadConfig(searchPaths ...string) (*Config, error) {
	cfg := DefaultConfig()
	k := koanf.New(".")

	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}
	for _, path := range searchPaths {
		candidate := filepath.Join(path, configFileName+".yaml")
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := k.Load(file.Provider(candidate), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read %s failed", candidate)
		}
		break
	}

	known := configKeyTree()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// MEETSPOT_API_BASEURL -> api.baseURL
			return canonicalizeEnvKey(strings.TrimPrefix(key, envPrefix), known), value
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.baseURL must be set")
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = defaultAPITimeout
	}
	if strings.TrimSpace(c.API.ExpiredMarker) == "" {
		c.API.ExpiredMarker = defaultExpiredMarker
	}
	return nil
}

// configKeyTree mirrors the yaml key layout so env keys can be mapped back onto
// camelCase segments.
func configKeyTree() map[string]any {
	return map[string]any{
		"env": map[string]any{
			"env":         nil,
			"serviceName": nil,
			"log":         map[string]any{"pretty": nil, "level": nil},
		},
		"api": map[string]any{
			"baseURL":         nil,
			"fallbackBaseURL": nil,
			"timeout":         nil,
			"expiredMarker":   nil,
			"paths": map[string]any{
				"login": nil, "register": nil, "refresh": nil,
				"profile": nil, "status": nil, "results": nil,
			},
		},
		"storage": map[string]any{"durablePath": nil},
	}
}

func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (matched string, next map[string]any, ok bool) {
	if len(current) == 0 {
		return "", nil, false
	}

	needle := normalizeKeyToken(segment)
	for key, value := range current {
		if normalizeKeyToken(key) != needle {
			continue
		}

		child, _ := value.(map[string]any)
		return key, child, true
	}

	return "", nil, false
}

func normalizeKeyToken(s string) string {
	var normalized strings.Builder
	normalized.Grow(len(s))

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized.WriteRune(unicode.ToLower(r))
	}

	return normalized.String()
}
