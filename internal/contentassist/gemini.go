package contentassist

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
)

var (
	//go:embed template/analyze.txt
	analyzePrompt string
	//go:embed template/pricing.txt
	pricingPrompt string
	//go:embed template/strategy.txt
	strategyPrompt string
	//go:embed template/adcopy.txt
	adCopyPrompt string
)

const (
	DefaultVisionModel = "gemini-2.5-flash"
	DefaultTextModel   = "gemini-2.5-flash"
	maxImages          = 8
)

// contentGenerator is satisfied by *genai.Models.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type chatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	VisionModel string
	TextModel   string
	Temperature float32
	MaxTokens   int
	// Catalog supplies the category codes offered to the vision model.
	Catalog func() *inventory.Catalog
	Logger  *zerolog.Logger
}

// Gemini implements Assistant: vision analysis goes straight through genai
// with a JSON response type, free-text tasks through the eino chat model.
type Gemini struct {
	vision      contentGenerator
	chat        chatGenerator
	visionModel string
	temperature float32
	catalog     func() *inventory.Catalog
	logger      *zerolog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrUnavailable
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if cfg.TextModel == "" {
		cfg.TextModel = DefaultTextModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	chat, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.TextModel,
		Temperature: &cfg.Temperature,
		MaxTokens:   &cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini chat model: %w", err)
	}
	return newGemini(client.Models, chat, cfg), nil
}

func newGemini(vision contentGenerator, chat chatGenerator, cfg GeminiConfig) *Gemini {
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if cfg.Catalog == nil {
		catalog := inventory.AutoPartsCatalog()
		cfg.Catalog = func() *inventory.Catalog { return catalog }
	}
	logger := logx.Component("contentassist")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "contentassist").Logger()
	}
	return &Gemini{
		vision:      vision,
		chat:        chat,
		visionModel: cfg.VisionModel,
		temperature: cfg.Temperature,
		catalog:     cfg.Catalog,
		logger:      &logger,
	}
}

func (g *Gemini) AnalyzeImages(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	if len(req.Images) == 0 {
		return AnalysisResult{}, ErrNoImages
	}
	if len(req.Images) > maxImages {
		return AnalysisResult{}, fmt.Errorf("%w: at most %d images per request", inventory.ErrInvalidInput, maxImages)
	}
	parts := make([]*genai.Part, 0, len(req.Images))
	for i, raw := range req.Images {
		data, mime, err := decodeImage(raw)
		if err != nil {
			return AnalysisResult{}, fmt.Errorf("%w: image %d: %v", inventory.ErrInvalidInput, i+1, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mime))
	}
	system, err := render(ctx, analyzePrompt, map[string]any{
		"BusinessContext": strings.TrimSpace(req.BusinessContext),
		"Categories":      strings.Join(g.catalog().Codes(), ", "),
		"Locale":          DefaultLocale,
	})
	if err != nil {
		return AnalysisResult{}, err
	}
	resp, err := g.vision.GenerateContent(ctx, g.visionModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr(g.temperature),
		})
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("analyze images: %w", err)
	}
	text := strings.TrimSpace(stripFences(resp.Text()))
	if text == "" {
		return AnalysisResult{}, ErrEmptyResponse
	}
	var result AnalysisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		g.logger.Warn().Err(err).Int("bytes", len(text)).Msg("vision response is not valid JSON")
		return AnalysisResult{}, fmt.Errorf("decode analysis: %w", err)
	}
	g.logger.Debug().Int("groups", len(result.Groups)).Int("images", len(parts)).Msg("images analyzed")
	return result, nil
}

func (g *Gemini) PricingInsight(ctx context.Context, q PartQuery) (string, error) {
	return g.complete(ctx, "pricing", pricingPrompt, q)
}

func (g *Gemini) SalesStrategy(ctx context.Context, q PartQuery) (string, error) {
	return g.complete(ctx, "strategy", strategyPrompt, q)
}

func (g *Gemini) AdCopy(ctx context.Context, q PartQuery) (string, error) {
	return g.complete(ctx, "ad_copy", adCopyPrompt, q)
}

func (g *Gemini) complete(ctx context.Context, task, system string, q PartQuery) (string, error) {
	part := strings.TrimSpace(q.Part)
	if part == "" {
		return "", fmt.Errorf("%w: part is required", inventory.ErrInvalidInput)
	}
	tpl := prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(system),
		schema.UserMessage("{{.Part}}"),
	)
	msgs, err := tpl.Format(ctx, map[string]any{"Locale": q.locale(), "Part": part})
	if err != nil {
		return "", fmt.Errorf("%s prompt render: %w", task, err)
	}
	out, err := g.chat.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("%s: %w", task, err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", ErrEmptyResponse
	}
	g.logger.Debug().Str("task", task).Int("chars", len(out.Content)).Msg("text generated")
	return strings.TrimSpace(out.Content), nil
}

func render(ctx context.Context, system string, vars map[string]any) (string, error) {
	msgs, err := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(system)).Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("analysis prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("analysis prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// decodeImage accepts raw base64 or a data URL and sniffs the mime type
// when the URL does not carry one.
func decodeImage(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	mime := ""
	if strings.HasPrefix(raw, "data:") {
		header, body, ok := strings.Cut(raw, ",")
		if !ok {
			return nil, "", fmt.Errorf("malformed data url")
		}
		mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		raw = body
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image")
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("unsupported content type %q", mime)
	}
	return data, mime, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
