package providerspec

var builtinSpecs = map[string]Spec{
	"openrouter": {
		Key:     "openrouter",
		Aliases: []string{"open-router", "open_router"},
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://openrouter.ai/api/v1",
			DefaultPath:      "/chat/completions",
			DefaultAPIKeyEnv: "OPENROUTER_API_KEY",
			DefaultModel:     "deepseek/deepseek-v3.2",
			ExtraHeaders: map[string]string{
				"HTTP-Referer": "https://github.com/danshapiro/termgpt",
				"X-Title":      "Terminal GPT",
			},
		},
	},
	"openai": {
		Key: "openai",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.openai.com",
			DefaultPath:      "/v1/chat/completions",
			DefaultAPIKeyEnv: "OPENAI_API_KEY",
			DefaultModel:     "gpt-4o-mini",
		},
	},
	"deepseek": {
		Key: "deepseek",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.deepseek.com",
			DefaultPath:      "/chat/completions",
			DefaultAPIKeyEnv: "DEEPSEEK_API_KEY",
			DefaultModel:     "deepseek-chat",
		},
	},
	"groq": {
		Key: "groq",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.groq.com/openai",
			DefaultPath:      "/v1/chat/completions",
			DefaultAPIKeyEnv: "GROQ_API_KEY",
			DefaultModel:     "llama-3.3-70b-versatile",
		},
	},
	"ollama": {
		Key:     "ollama",
		Aliases: []string{"local"},
		API: &APISpec{
			Protocol:       ProtocolOpenAIChatCompletions,
			DefaultBaseURL: "http://localhost:11434",
			DefaultPath:    "/v1/chat/completions",
			DefaultModel:   "llama3.2",
			KeyOptional:    true,
		},
	},
}

func Builtin(key string) (Spec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(key)]
	if !ok {
		return Spec{}, false
	}
	return cloneSpec(s), true
}

func Builtins() map[string]Spec {
	out := make(map[string]Spec, len(builtinSpecs))
	for key, spec := range builtinSpecs {
		out[key] = cloneSpec(spec)
	}
	return out
}

func cloneSpec(in Spec) Spec {
	out := in
	if in.API != nil {
		api := *in.API
		if in.API.ExtraHeaders != nil {
			api.ExtraHeaders = make(map[string]string, len(in.API.ExtraHeaders))
			for k, v := range in.API.ExtraHeaders {
				api.ExtraHeaders[k] = v
			}
		}
		out.API = &api
	}
	out.Aliases = append([]string{}, in.Aliases...)
	return out
}
