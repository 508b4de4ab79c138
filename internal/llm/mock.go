package llm

import (
	"context"
	"encoding/json"
	"strings"
)

func init() {
	Register("mock", func(cfg Config) (Client, error) {
		return &mockClient{}, nil
	})
}

// mockClient is a deterministic offline provider. It echoes chat input and
// keyword-spots extraction prompts, so tests and the minimal preset run
// without network access or an API key.
type mockClient struct{}

func (m *mockClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	if len(messages) == 0 {
		return "好的。", nil
	}
	last := messages[len(messages)-1].Content
	r := []rune(last)
	if len(r) > 30 {
		r = r[:30]
	}
	return "我记住了：" + string(r), nil
}

type mockExtraction struct {
	Summary    string            `json:"summary"`
	Keywords   []string          `json:"keywords"`
	Emotion    string            `json:"emotion"`
	Importance float64           `json:"importance"`
	Facts      []mockFact        `json:"facts"`
	Profile    map[string]string `json:"profile"`
}

type mockFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

func (m *mockClient) Extract(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error) {
	out := mockExtraction{
		Summary:    "一次日常对话",
		Keywords:   []string{"对话"},
		Emotion:    "neutral",
		Importance: 0.3,
		Profile:    map[string]string{},
	}

	if strings.Contains(prompt, "喜欢") {
		out.Facts = append(out.Facts, mockFact{"user", "喜欢", "聊天", 0.8})
		out.Keywords = append(out.Keywords, "喜欢")
		out.Emotion = "happy"
		out.Importance = 0.5
	}
	if strings.Contains(prompt, "讨厌") || strings.Contains(prompt, "不喜欢") {
		out.Facts = append(out.Facts, mockFact{"user", "讨厌", "某事", 0.7})
		out.Emotion = "angry"
	}
	if strings.Contains(prompt, "害怕") {
		out.Emotion = "scared"
	}
	if strings.Contains(prompt, "为什么") || strings.Contains(prompt, "什么") {
		out.Emotion = "curious"
	}
	if strings.Contains(prompt, "我叫") {
		out.Profile["name"] = "测试用户"
		out.Importance = 0.6
	}
	if strings.Contains(prompt, "岁") {
		out.Profile["age"] = "6"
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
