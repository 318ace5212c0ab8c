package llmclient

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaiOption "github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"google.golang.org/genai"

	"github.com/tingly-dev/tingly-relay/internal/llmclient/httpclient"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ModelResolver picks the model a probe should exercise for a provider,
// normally the target model of one of its active mappings.
type ModelResolver func(ctx context.Context, providerID string) (string, error)

// ProbePool issues minimal one-token requests through the vendor SDKs to
// check a provider end to end. Clients are built per probe; probes are rare
// enough that caching them is not worth tracking config changes.
type ProbePool struct {
	timeout time.Duration
	resolve ModelResolver
}

func NewProbePool(timeout time.Duration, resolve ModelResolver) *ProbePool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProbePool{timeout: timeout, resolve: resolve}
}

// Probe satisfies health.Prober.
func (p *ProbePool) Probe(ctx context.Context, provider *typ.Provider) error {
	model := defaultProbeModel(provider.Protocol)
	if p.resolve != nil {
		if m, err := p.resolve(ctx, provider.ID); err == nil && m != "" {
			model = m
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch provider.Protocol {
	case protocol.ProtocolAnthropic:
		return p.probeAnthropic(ctx, provider, model)
	case protocol.ProtocolGemini:
		return p.probeGemini(ctx, provider, model)
	default:
		return p.probeOpenAI(ctx, provider, model)
	}
}

// defaultProbeModel is the fallback when no mapping names a target model
// for the provider.
func defaultProbeModel(proto protocol.Protocol) string {
	switch proto {
	case protocol.ProtocolAnthropic:
		return "claude-3-5-haiku-latest"
	case protocol.ProtocolGemini:
		return "gemini-2.0-flash"
	default:
		return "gpt-4o-mini"
	}
}

func (p *ProbePool) probeOpenAI(ctx context.Context, provider *typ.Provider, model string) error {
	opts := []openaiOption.RequestOption{
		openaiOption.WithAPIKey(provider.APIKey),
	}
	if provider.BaseURL != "" {
		opts = append(opts, openaiOption.WithBaseURL(provider.BaseURL))
	}
	if provider.ProxyURL != "" {
		opts = append(opts, openaiOption.WithHTTPClient(httpclient.New(provider.ProxyURL)))
	}
	client := openai.NewClient(opts...)

	_, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hi"),
		},
		MaxTokens: param.NewOpt[int64](1),
	})
	return err
}

func (p *ProbePool) probeAnthropic(ctx context.Context, provider *typ.Provider, model string) error {
	// The Anthropic SDK appends /v1 itself.
	base := strings.TrimRight(provider.BaseURL, "/")
	base = strings.TrimSuffix(base, "/v1")

	opts := []anthropicOption.RequestOption{
		anthropicOption.WithAPIKey(provider.APIKey),
	}
	if base != "" {
		opts = append(opts, anthropicOption.WithBaseURL(base))
	}
	if provider.ProxyURL != "" {
		opts = append(opts, anthropicOption.WithHTTPClient(httpclient.New(provider.ProxyURL)))
	}
	client := anthropic.NewClient(opts...)

	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hi")),
		},
	})
	return err
}

func (p *ProbePool) probeGemini(ctx context.Context, provider *typ.Provider, model string) error {
	cfg := &genai.ClientConfig{
		APIKey:  provider.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if provider.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: provider.BaseURL}
	}
	if provider.ProxyURL != "" {
		cfg.HTTPClient = httpclient.New(provider.ProxyURL)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return err
	}

	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{genai.NewPartFromText("hi")}},
	}
	_, err = client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		MaxOutputTokens: 1,
	})
	return err
}
