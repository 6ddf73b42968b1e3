package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/termgpt/internal/providerspec"
)

// MinAPIKeyLength is the shortest key accepted for hosted providers.
const MinAPIKeyLength = 32

const DefaultSystemPrompt = "You are a helpful assistant running in a terminal. Use the available tools when a request needs file access or arithmetic, then answer briefly."

type LLM struct {
	Provider    string            `json:"provider" yaml:"provider"`
	Model       string            `json:"model" yaml:"model"`
	APIKey      string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyEnv   string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL     string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Temperature *float64          `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP        *float64          `json:"top_p,omitempty" yaml:"top_p,omitempty"`

	MaxRetries  *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelayMS int  `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS  int  `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`

	ConnectTimeoutMS int `json:"connect_timeout_ms,omitempty" yaml:"connect_timeout_ms,omitempty"`
	ReadTimeoutMS    int `json:"read_timeout_ms,omitempty" yaml:"read_timeout_ms,omitempty"`
	RequestTimeoutMS int `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty"`
}

type Conversation struct {
	SystemPrompt          string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxConversationLength int    `json:"max_conversation_length" yaml:"max_conversation_length"`
	SlidingWindowSize     int    `json:"sliding_window_size" yaml:"sliding_window_size"`
	MaxIterations         int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	StreamMaxIterations   int    `json:"stream_max_iterations,omitempty" yaml:"stream_max_iterations,omitempty"`

	EnableSummarization    bool    `json:"enable_summarization" yaml:"enable_summarization"`
	SummarizationThreshold float64 `json:"summarization_threshold,omitempty" yaml:"summarization_threshold,omitempty"`
	MaxSummaryLength       int     `json:"max_summary_length,omitempty" yaml:"max_summary_length,omitempty"`

	// TerminalPhrases match the normalized input exactly. TerminalPrefixes
	// also match when followed by a space and more text.
	TerminalPhrases  []string `json:"terminal_phrases,omitempty" yaml:"terminal_phrases,omitempty"`
	TerminalPrefixes []string `json:"terminal_prefixes,omitempty" yaml:"terminal_prefixes,omitempty"`
	Farewells        []string `json:"farewells,omitempty" yaml:"farewells,omitempty"`
}

type Plugins struct {
	Workspace string   `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Disabled  []string `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type Events struct {
	BufferSize int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
	Log        bool   `json:"log" yaml:"log"`
	RedisURL   string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	Channel    string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Codec      string `json:"codec,omitempty" yaml:"codec,omitempty"`
	LedgerPath string `json:"ledger_path,omitempty" yaml:"ledger_path,omitempty"`
}

type Server struct {
	Addr              string `json:"addr,omitempty" yaml:"addr,omitempty"`
	ShutdownTimeoutMS int    `json:"shutdown_timeout_ms,omitempty" yaml:"shutdown_timeout_ms,omitempty"`
}

type Log struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

type Config struct {
	LLM          LLM          `json:"llm" yaml:"llm"`
	Conversation Conversation `json:"conversation" yaml:"conversation"`
	Plugins      Plugins      `json:"plugins" yaml:"plugins"`
	Events       Events       `json:"events" yaml:"events"`
	Server       Server       `json:"server" yaml:"server"`
	Log          Log          `json:"log" yaml:"log"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Events.Log = true
	applyDefaults(cfg)
	return cfg
}

// Load reads a config file (.yaml, .yml, .json or .jsonc), applies defaults
// and environment overrides. An empty path yields Default() plus env.
func Load(path string) (*Config, error) {
	cfg := &Config{Events: Events{Log: true}}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			err = decodeJSONStrict(b, cfg)
		case ".jsonc":
			err = decodeJSONStrict(jsonc.ToJSON(b), cfg)
		default:
			err = decodeYAMLStrict(b, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto cfg. Malformed numbers are
// reported rather than silently ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := integer("MAX_CONVERSATION_LENGTH", &cfg.Conversation.MaxConversationLength); err != nil {
		return err
	}
	if err := integer("SLIDING_WINDOW_SIZE", &cfg.Conversation.SlidingWindowSize); err != nil {
		return err
	}
	if v, ok := lookup("ENABLE_SUMMARIZATION"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			cfg.Conversation.EnableSummarization = true
		default:
			cfg.Conversation.EnableSummarization = false
		}
	}
	if prov := providerspec.CanonicalProviderKey(cfg.LLM.Provider); prov == "" || prov == "openrouter" {
		str("OPENROUTER_API_KEY", &cfg.LLM.APIKey)
		str("OPENROUTER_BASE_URL", &cfg.LLM.BaseURL)
	}
	str("DEFAULT_MODEL", &cfg.LLM.Model)
	if err := integer("MAX_TOKENS", &cfg.LLM.MaxTokens); err != nil {
		return err
	}
	if v, ok := lookup("TEMPERATURE"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("TEMPERATURE: %w", err)
		}
		cfg.LLM.Temperature = &f
	}
	str("TERMGPT_LOG_LEVEL", &cfg.Log.Level)
	str("REDIS_URL", &cfg.Events.RedisURL)
	return nil
}

func applyDefaults(cfg *Config) {
	l := &cfg.LLM
	l.Provider = providerspec.CanonicalProviderKey(l.Provider)
	if l.Provider == "" {
		l.Provider = "openrouter"
	}
	if spec, ok := providerspec.Builtin(l.Provider); ok && spec.API != nil {
		if l.BaseURL == "" {
			l.BaseURL = spec.API.DefaultBaseURL
		}
		if l.Path == "" {
			l.Path = spec.API.DefaultPath
		}
		if l.APIKeyEnv == "" {
			l.APIKeyEnv = spec.API.DefaultAPIKeyEnv
		}
		if l.Model == "" {
			l.Model = spec.API.DefaultModel
		}
	}
	if l.Path == "" {
		l.Path = "/chat/completions"
	}
	l.BaseURL = strings.TrimRight(strings.TrimSpace(l.BaseURL), "/")
	if l.MaxTokens <= 0 {
		l.MaxTokens = 4096
	}
	if l.Temperature == nil {
		v := 0.7
		l.Temperature = &v
	}
	if l.TopP == nil {
		v := 1.0
		l.TopP = &v
	}
	if l.MaxRetries == nil {
		v := 3
		l.MaxRetries = &v
	}
	if l.BaseDelayMS <= 0 {
		l.BaseDelayMS = 1000
	}
	if l.MaxDelayMS <= 0 {
		l.MaxDelayMS = 60000
	}
	if l.ConnectTimeoutMS <= 0 {
		l.ConnectTimeoutMS = 60000
	}
	if l.ReadTimeoutMS <= 0 {
		l.ReadTimeoutMS = 180000
	}
	if l.RequestTimeoutMS <= 0 {
		l.RequestTimeoutMS = 120000
	}

	c := &cfg.Conversation
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxConversationLength <= 0 {
		c.MaxConversationLength = 100
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = 50
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.StreamMaxIterations <= 0 {
		c.StreamMaxIterations = 3
	}
	if c.SummarizationThreshold <= 0 {
		c.SummarizationThreshold = 0.7
	}
	if c.MaxSummaryLength <= 0 {
		c.MaxSummaryLength = 500
	}
	c.TerminalPhrases = trimNonEmpty(c.TerminalPhrases)
	if len(c.TerminalPhrases) == 0 {
		c.TerminalPhrases = append([]string(nil), DefaultTerminalPhrases...)
	}
	c.TerminalPrefixes = trimNonEmpty(c.TerminalPrefixes)
	if len(c.TerminalPrefixes) == 0 {
		c.TerminalPrefixes = append([]string(nil), DefaultTerminalPrefixes...)
	}
	c.Farewells = trimNonEmpty(c.Farewells)
	if len(c.Farewells) == 0 {
		c.Farewells = append([]string(nil), DefaultFarewells...)
	}

	if strings.TrimSpace(cfg.Plugins.Workspace) == "" {
		cfg.Plugins.Workspace = "."
	}
	if cfg.Plugins.TimeoutMS <= 0 {
		cfg.Plugins.TimeoutMS = 30000
	}
	cfg.Plugins.Disabled = trimNonEmpty(cfg.Plugins.Disabled)

	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = 256
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "termgpt:events"
	}
	if cfg.Events.Codec == "" {
		cfg.Events.Codec = "json"
	}
	cfg.Events.Codec = strings.ToLower(strings.TrimSpace(cfg.Events.Codec))

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.ShutdownTimeoutMS <= 0 {
		cfg.Server.ShutdownTimeoutMS = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
}

// ResolveAPIKey returns the configured key, falling back to the provider's
// key env var.
func (cfg *Config) ResolveAPIKey(lookup LookupFunc) string {
	if k := strings.TrimSpace(cfg.LLM.APIKey); k != "" {
		return k
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if env := strings.TrimSpace(cfg.LLM.APIKeyEnv); env != "" {
		if v, ok := lookup(env); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Validate reports configuration that would make the process unusable.
func (cfg *Config) Validate(lookup LookupFunc) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	spec, known := providerspec.Builtin(cfg.LLM.Provider)
	if !known && cfg.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required for provider %q", cfg.LLM.Provider)
	}
	keyOptional := known && spec.API != nil && spec.API.KeyOptional
	if !keyOptional {
		key := cfg.ResolveAPIKey(lookup)
		if key == "" {
			return fmt.Errorf("%s environment variable is required", firstNonEmpty(cfg.LLM.APIKeyEnv, "API key"))
		}
		if len(key) < MinAPIKeyLength {
			return fmt.Errorf("%s appears to be invalid; please check your API key", firstNonEmpty(cfg.LLM.APIKeyEnv, "API key"))
		}
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if t := *cfg.LLM.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2], got %v", t)
	}
	c := cfg.Conversation
	if c.SlidingWindowSize > c.MaxConversationLength {
		return fmt.Errorf("conversation.sliding_window_size (%d) exceeds max_conversation_length (%d)", c.SlidingWindowSize, c.MaxConversationLength)
	}
	if c.SummarizationThreshold > 1 {
		return fmt.Errorf("conversation.summarization_threshold must be <= 1, got %v", c.SummarizationThreshold)
	}
	switch cfg.Events.Codec {
	case "json", "msgpack", "cbor":
	default:
		return fmt.Errorf("events.codec must be json, msgpack or cbor, got %q", cfg.Events.Codec)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not recognized", cfg.Log.Level)
	}
	return nil
}

func (l LLM) ConnectTimeout() time.Duration { return time.Duration(l.ConnectTimeoutMS) * time.Millisecond }
func (l LLM) ReadTimeout() time.Duration    { return time.Duration(l.ReadTimeoutMS) * time.Millisecond }
func (l LLM) RequestTimeout() time.Duration { return time.Duration(l.RequestTimeoutMS) * time.Millisecond }
func (l LLM) BaseDelay() time.Duration      { return time.Duration(l.BaseDelayMS) * time.Millisecond }
func (l LLM) MaxDelay() time.Duration       { return time.Duration(l.MaxDelayMS) * time.Millisecond }
func (p Plugins) Timeout() time.Duration    { return time.Duration(p.TimeoutMS) * time.Millisecond }
func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

func trimNonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
