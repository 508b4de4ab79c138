package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMockRegistered(t *testing.T) {
	c, err := New("mock", Config{})
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	if c == nil {
		t.Fatal("nil client")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New("nope", Config{}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestMockChatIsDeterministic(t *testing.T) {
	c, _ := New("mock", Config{})
	msgs := []Message{{Role: "user", Content: "我喜欢恐龙"}}

	first, err := c.Chat(context.Background(), msgs, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	second, _ := c.Chat(context.Background(), msgs, ChatOptions{})
	if first != second {
		t.Errorf("mock chat not deterministic: %q vs %q", first, second)
	}
	if !strings.Contains(first, "我喜欢恐龙") {
		t.Errorf("chat reply does not echo input: %q", first)
	}
}

func TestMockExtract(t *testing.T) {
	c, _ := New("mock", Config{})

	raw, err := c.Extract(context.Background(), "用户: 我喜欢恐龙", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	var out struct {
		Summary string `json:"summary"`
		Emotion string `json:"emotion"`
		Facts   []struct {
			Predicate string `json:"predicate"`
		} `json:"facts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("mock output is not valid JSON: %v", err)
	}
	if out.Summary == "" {
		t.Error("empty summary")
	}
	if out.Emotion != "happy" {
		t.Errorf("emotion = %q", out.Emotion)
	}
	if len(out.Facts) == 0 || out.Facts[0].Predicate != "喜欢" {
		t.Errorf("facts = %+v", out.Facts)
	}

	again, _ := c.Extract(context.Background(), "用户: 我喜欢恐龙", "")
	if string(raw) != string(again) {
		t.Error("mock extraction not deterministic")
	}
}

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain object", `{"a": 1}`, false},
		{"fenced json", "```json\n{\"a\": 1}\n```", false},
		{"bare fence", "```\n{\"a\": 1}\n```", false},
		{"leading prose", "好的，结果是：```json\n{\"a\": 1}\n```", false},
		{"not json", "抱歉，我不知道", true},
		{"array", `[1, 2]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ParseJSONObject(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrSchema) {
					t.Errorf("err = %v, want ErrSchema", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseJSONObject: %v", err)
			}
			if !json.Valid(raw) {
				t.Errorf("invalid JSON returned: %s", raw)
			}
		})
	}
}
