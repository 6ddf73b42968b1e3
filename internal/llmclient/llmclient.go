package llmclient

import (
	"fmt"
	"strings"

	"github.com/danshapiro/termgpt/internal/config"
	"github.com/danshapiro/termgpt/internal/llm"
	"github.com/danshapiro/termgpt/internal/llm/providers/openaicompat"
	"github.com/danshapiro/termgpt/internal/providerspec"
)

// New builds a client with one OpenAI-compatible adapter for the configured
// provider. Builtin provider headers are merged under any configured ones.
// Options passed by the caller are applied after the config-derived retry
// policy and so take precedence. Each provider attempt is logged at debug
// level on the client's logger.
func New(cfg *config.Config, lookup config.LookupFunc, opts ...llm.ClientOption) (*llm.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llmclient: config is nil")
	}
	adapter, err := NewAdapter(cfg, lookup)
	if err != nil {
		return nil, err
	}
	all := append([]llm.ClientOption{llm.WithRetryPolicy(RetryPolicy(cfg.LLM))}, opts...)
	c := llm.NewClient(all...)
	c.Register(adapter)
	c.Use(llm.AttemptLogger(c.Logger()))
	return c, nil
}

func NewAdapter(cfg *config.Config, lookup config.LookupFunc) (*openaicompat.Adapter, error) {
	l := cfg.LLM
	provider := providerspec.CanonicalProviderKey(l.Provider)
	if provider == "" {
		return nil, &llm.ConfigurationError{Message: "llm.provider is required"}
	}
	headers := map[string]string{}
	if spec, ok := providerspec.Builtin(provider); ok && spec.API != nil {
		if spec.API.Protocol != providerspec.ProtocolOpenAIChatCompletions {
			return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s: unsupported protocol %s", provider, spec.API.Protocol)}
		}
		for k, v := range spec.API.ExtraHeaders {
			headers[k] = v
		}
	}
	for k, v := range l.Headers {
		headers[k] = v
	}
	if strings.TrimSpace(l.BaseURL) == "" {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s: base_url is required", provider)}
	}
	return openaicompat.NewAdapter(openaicompat.Config{
		Provider:       provider,
		APIKey:         cfg.ResolveAPIKey(lookup),
		BaseURL:        l.BaseURL,
		Path:           l.Path,
		ExtraHeaders:   headers,
		ConnectTimeout: l.ConnectTimeout(),
		ReadTimeout:    l.ReadTimeout(),
		RequestTimeout: l.RequestTimeout(),
	}), nil
}

func RetryPolicy(l config.LLM) llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	if l.MaxRetries != nil && *l.MaxRetries >= 0 {
		p.MaxRetries = *l.MaxRetries
	}
	if l.BaseDelayMS > 0 {
		p.BaseDelay = l.BaseDelay()
	}
	if l.MaxDelayMS > 0 {
		p.MaxDelay = l.MaxDelay()
	}
	return p
}
