package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EnvChannelAccessToken = "LINE_CHANNEL_ACCESS_TOKEN"
	EnvChannelSecret      = "LINE_CHANNEL_SECRET"
	EnvOpenAIAPIKey       = "OPENAI_API_KEY"
	EnvAssistantID        = "ASSISTANT_ID"
	EnvParamPrefix        = "PARAM_PREFIX"
	EnvExchangeTable      = "EXCHANGE_TABLE"
	EnvOpenAIBaseURL      = "OPENAI_BASE_URL"
	EnvLineAPIBaseURL     = "LINE_API_BASE_URL"
	EnvPollInterval       = "POLL_INTERVAL"
	EnvPollMaxAttempts    = "POLL_MAX_ATTEMPTS"
	EnvHTTPTimeout        = "HTTP_TIMEOUT"
	EnvModerationEnabled  = "MODERATION_ENABLED"
	EnvLogLevel           = "LOG_LEVEL"
	EnvAddr               = "ADDR"

	DefaultPollInterval    = 1500 * time.Millisecond
	DefaultPollMaxAttempts = 20
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultLogLevel        = "info"
	DefaultAddr            = ":8080"
)

// ErrMissing is returned by Validate when a required credential is absent.
var ErrMissing = errors.New("config: missing required setting")

// Parameter names under PARAM_PREFIX.
const (
	paramChannelAccessToken = "line-channel-access-token"
	paramChannelSecret      = "line-channel-secret"
	paramOpenAIAPIKey       = "open-ai-token"
	paramAssistantID        = "assistant-id"
)

// Config is built once at process start and passed to constructors.
type Config struct {
	ChannelAccessToken string
	ChannelSecret      string
	OpenAIAPIKey       string
	AssistantID        string

	ParamPrefix   string
	ExchangeTable string

	OpenAIBaseURL  string
	LineAPIBaseURL string

	PollInterval      time.Duration
	PollMaxAttempts   int
	HTTPTimeout       time.Duration
	ModerationEnabled bool

	LogLevel string
	Addr     string
}

// ParameterGetter resolves parameters by full name.
type ParameterGetter interface {
	GetParameters(ctx context.Context, names []string) (map[string]string, error)
}

// Load reads the configuration through getenv (os.Getenv in production).
// It fails only on malformed values; missing credentials are reported by
// Validate so that they can be resolved from the parameter store first.
func Load(getenv func(string) string) (Config, error) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		ChannelAccessToken: get(EnvChannelAccessToken),
		ChannelSecret:      get(EnvChannelSecret),
		OpenAIAPIKey:       get(EnvOpenAIAPIKey),
		AssistantID:        get(EnvAssistantID),
		ParamPrefix:        strings.TrimRight(get(EnvParamPrefix), "/"),
		ExchangeTable:      get(EnvExchangeTable),
		OpenAIBaseURL:      get(EnvOpenAIBaseURL),
		LineAPIBaseURL:     get(EnvLineAPIBaseURL),
		PollInterval:       DefaultPollInterval,
		PollMaxAttempts:    DefaultPollMaxAttempts,
		HTTPTimeout:        DefaultHTTPTimeout,
		LogLevel:           DefaultLogLevel,
		Addr:               DefaultAddr,
	}

	if v := get(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid %s %q", EnvPollInterval, v)
		}
		cfg.PollInterval = d
	}
	if v := get(EnvPollMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: invalid %s %q", EnvPollMaxAttempts, v)
		}
		cfg.PollMaxAttempts = n
	}
	if v := get(EnvHTTPTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid %s %q", EnvHTTPTimeout, v)
		}
		cfg.HTTPTimeout = d
	}
	if v := get(EnvModerationEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid %s %q", EnvModerationEnabled, v)
		}
		cfg.ModerationEnabled = b
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := get(EnvAddr); v != "" {
		cfg.Addr = v
	}
	return cfg, nil
}

// Validate reports every missing required credential in one error.
func (c Config) Validate() error {
	var missing []string
	if c.ChannelAccessToken == "" {
		missing = append(missing, EnvChannelAccessToken)
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, EnvOpenAIAPIKey)
	}
	if c.AssistantID == "" {
		missing = append(missing, EnvAssistantID)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	return nil
}

// NeedsAWS reports whether any AWS-backed feature is configured.
func (c Config) NeedsAWS() bool {
	return c.ParamPrefix != "" || c.ExchangeTable != ""
}

// ResolveSecrets fills credentials that were not set in the environment from
// the parameter store under ParamPrefix. Environment values always win.
func (c *Config) ResolveSecrets(ctx context.Context, getter ParameterGetter) error {
	if c.ParamPrefix == "" {
		return nil
	}
	if getter == nil {
		return errors.New("config: parameter getter must not be nil")
	}

	targets := map[string]*string{
		paramChannelAccessToken: &c.ChannelAccessToken,
		paramChannelSecret:      &c.ChannelSecret,
		paramOpenAIAPIKey:       &c.OpenAIAPIKey,
		paramAssistantID:        &c.AssistantID,
	}
	var names []string
	for suffix, field := range targets {
		if *field == "" {
			names = append(names, c.ParamPrefix+"/"+suffix)
		}
	}
	if len(names) == 0 {
		return nil
	}

	values, err := getter.GetParameters(ctx, names)
	if err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	for suffix, field := range targets {
		if *field != "" {
			continue
		}
		raw, ok := values[c.ParamPrefix+"/"+suffix]
		if !ok {
			continue
		}
		v, err := parseSecret(raw)
		if err != nil {
			return fmt.Errorf("config: parameter %s: %w", suffix, err)
		}
		*field = v
	}
	return nil
}

// tokenPayload is the JSON shape some secrets are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// parseSecret accepts a raw value or a {"token":"..."} JSON document.
func parseSecret(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("token is empty")
	}
	return strings.TrimSpace(tp.Token), nil
}
