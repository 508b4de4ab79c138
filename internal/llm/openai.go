package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/toybox-ai/memoryd/internal/httpkit"
)

func init() {
	Register("openai", func(cfg Config) (Client, error) {
		return newOpenAIClient(cfg, "https://api.openai.com/v1"), nil
	})
	// Zhipu's API is OpenAI-compatible; only the default endpoint differs.
	Register("zhipu", func(cfg Config) (Client, error) {
		if cfg.Model == "" {
			cfg.Model = "glm-4-flash"
		}
		return newOpenAIClient(cfg, "https://open.bigmodel.cn/api/paas/v4"), nil
	})
}

// openAIClient speaks the OpenAI chat-completions wire format.
type openAIClient struct {
	apiKey          string
	baseURL         string
	model           string
	extractionModel string
	maxRetries      int
	httpClient      *http.Client
	rng             *rand.Rand
}

func newOpenAIClient(cfg Config, defaultBaseURL string) *openAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	extractionModel := cfg.ExtractionModel
	if extractionModel == "" {
		extractionModel = cfg.Model
	}
	return &openAIClient{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		model:           cfg.Model,
		extractionModel: extractionModel,
		maxRetries:      cfg.MaxRetries,
		httpClient:      httpkit.NewClient(timeout),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends a chat completion request, retrying transient failures with
// exponential backoff.
func (c *openAIClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	var text string
	err := withRetry(ctx, c.maxRetries, c.rng, func() error {
		var err error
		text, err = c.doChat(ctx, req)
		return err
	})
	return text, err
}

func (c *openAIClient) doChat(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode, body: httpkit.ReadErrorBody(resp.Body, 512)}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Extract requests a JSON object from the extraction model at low
// temperature and returns the raw object bytes. Markdown code fences
// around the object are tolerated.
func (c *openAIClient) Extract(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error) {
	system := "你是一个信息提取助手。请从用户输入中提取关键信息，并以JSON格式返回。只返回JSON，不要有其他文字。\n" + schemaHint

	text, err := c.Chat(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}, ChatOptions{Model: c.extractionModel, Temperature: 0.1, MaxTokens: 800})
	if err != nil {
		return nil, err
	}

	return ParseJSONObject(text)
}

// ParseJSONObject extracts a JSON object from model output, stripping
// optional markdown fences. Returns [ErrSchema] when no valid object is
// present.
func ParseJSONObject(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	text = strings.TrimSpace(text)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return json.RawMessage(text), nil
}
