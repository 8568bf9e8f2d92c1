// Package app wires configuration into a ready webhook handler. Both entry
// points (Lambda and the local HTTP server) build through here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"line-assistant-relay/handler"
	"line-assistant-relay/internal/config"
	"line-assistant-relay/internal/integrations/line"
	"line-assistant-relay/internal/integrations/openai"
	"line-assistant-relay/internal/integrations/paramstore"
	"line-assistant-relay/internal/observability/metrics"
	"line-assistant-relay/internal/repository"
	"line-assistant-relay/internal/usecase"
)

// AWSConfigLoader loads the shared AWS configuration.
type AWSConfigLoader func(ctx context.Context) (aws.Config, error)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
	loadAWS    AWSConfigLoader
	params     config.ParameterGetter
	exchanges  usecase.ExchangeStore
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegisterer registers relay metrics on reg. Without it no metrics are
// recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient overrides the client used for OpenAI and LINE calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithAWSConfigLoader(l AWSConfigLoader) Option {
	return func(o *options) {
		if l != nil {
			o.loadAWS = l
		}
	}
}

// WithParameterGetter replaces the SSM-backed parameter lookup.
func WithParameterGetter(g config.ParameterGetter) Option {
	return func(o *options) { o.params = g }
}

// WithExchangeStore replaces the DynamoDB-backed exchange store.
func WithExchangeStore(s usecase.ExchangeStore) Option {
	return func(o *options) { o.exchanges = s }
}

func defaultAWSConfig(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// Build returns a handler for cfg. The handler is never nil: when the
// configuration cannot be completed it answers every POST with 500, and the
// reason is returned as the error so the caller can log it.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*handler.Handler, error) {
	o := options{logger: slog.Default(), loadAWS: defaultAWSConfig}
	for _, opt := range opts {
		opt(&o)
	}

	var m *metrics.RelayMetrics
	if o.registerer != nil {
		m = metrics.NewRelayMetrics(o.registerer)
	}
	handlerOpts := []handler.Option{handler.WithLogger(o.logger), handler.WithMetrics(m)}

	h, err := build(ctx, cfg, o, m, handlerOpts)
	if err != nil {
		return handler.NewMisconfiguredHandler(err, handlerOpts...), err
	}
	return h, nil
}

func build(ctx context.Context, cfg config.Config, o options, m *metrics.RelayMetrics, handlerOpts []handler.Option) (*handler.Handler, error) {
	needParams := cfg.ParamPrefix != "" && o.params == nil
	needTable := cfg.ExchangeTable != "" && o.exchanges == nil
	if needParams || needTable {
		awsCfg, err := o.loadAWS(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		if needParams {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("app: create parameter store client: %w", err)
			}
			o.params = ps
		}
		if needTable {
			repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.ExchangeTable)
			if err != nil {
				return nil, fmt.Errorf("app: create exchange repository: %w", err)
			}
			o.exchanges = repo
		}
	}

	if err := cfg.ResolveSecrets(ctx, o.params); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	openaiOpts := []openai.Option{openai.WithHTTPClient(httpClient)}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	assistant, err := openai.NewClient(cfg.OpenAIAPIKey, openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}

	lineOpts := []line.Option{line.WithHTTPClient(httpClient)}
	if cfg.LineAPIBaseURL != "" {
		lineOpts = append(lineOpts, line.WithBaseURL(cfg.LineAPIBaseURL))
	}
	replier, err := line.NewClient(cfg.ChannelAccessToken, lineOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create LINE client: %w", err)
	}

	relayOpts := []usecase.Option{
		usecase.WithPollPolicy(usecase.PollPolicy{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}),
		usecase.WithModeration(cfg.ModerationEnabled),
		usecase.WithMetrics(m),
		usecase.WithLogger(o.logger),
	}
	if o.exchanges != nil {
		relayOpts = append(relayOpts, usecase.WithExchangeStore(o.exchanges))
	}
	relay, err := usecase.NewRelay(assistant, replier, cfg.AssistantID, relayOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create relay: %w", err)
	}

	if cfg.ChannelSecret == "" {
		o.logger.Warn("LINE_CHANNEL_SECRET not set, webhook signatures are not verified")
	}
	return handler.NewHandler(relay, append(handlerOpts, handler.WithChannelSecret(cfg.ChannelSecret))...)
}
