// Package extract turns an ended session's messages into an
// ExtractionResult. Two extractors exist: an LLM-backed one and a pure
// rule-based one used as offline fallback. Neither touches storage.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/toybox-ai/memoryd/internal/llm"
	"github.com/toybox-ai/memoryd/internal/memory"
)

const (
	maxKeywords       = 8
	maxFacts          = 10
	maxSubjectRunes   = 50
	maxPredicateRun   = 30
	maxObjectRunes    = 50
	maxNameRunes      = 20
	maxDeltaTags      = 5
	defaultFactConf   = 0.8
	defaultSummaryCap = 200
)

// Extractor produces durable memory from a finished conversation.
type Extractor interface {
	Extract(ctx context.Context, msgs []memory.Message, userID string) (*memory.ExtractionResult, error)
}

// LLMExtractor asks a language model for the structured summary.
type LLMExtractor struct {
	client        llm.Client
	tokenizer     Tokenizer
	summaryMaxLen int
	logger        *slog.Logger
}

// NewLLMExtractor creates an extractor over an LLM client. The tokenizer
// backfills keywords when the model omits them; summaryMaxLen caps the
// episode summary in runes.
func NewLLMExtractor(client llm.Client, tokenizer Tokenizer, summaryMaxLen int, logger *slog.Logger) *LLMExtractor {
	if tokenizer == nil {
		tokenizer = NewGseTokenizer()
	}
	if summaryMaxLen <= 0 {
		summaryMaxLen = defaultSummaryCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{client: client, tokenizer: tokenizer, summaryMaxLen: summaryMaxLen, logger: logger}
}

const extractionSchemaHint = `JSON格式如下：
{
  "summary": "对话的一句话摘要",
  "keywords": ["关键词1", "关键词2"],
  "emotion": "happy/sad/angry/scared/curious/neutral 之一",
  "importance": 0.5,
  "facts": [{"subject": "user", "predicate": "喜欢", "object": "恐龙", "confidence": 0.9}],
  "profile": {"name": "名字", "age": "年龄", "gender": "性别", "tags": ["兴趣1"]}
}`

// extractionWire is the shape the model is asked to return. Profile fields
// arrive as strings because models are unreliable about number types.
type extractionWire struct {
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Emotion    string   `json:"emotion"`
	Importance float64  `json:"importance"`
	Facts      []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
	Profile struct {
		Name   string          `json:"name"`
		Age    json.RawMessage `json:"age"`
		Gender string          `json:"gender"`
		Tags   []string        `json:"tags"`
	} `json:"profile"`
}

func (e *LLMExtractor) Extract(ctx context.Context, msgs []memory.Message, userID string) (*memory.ExtractionResult, error) {
	prompt := FormatConversation(msgs)
	if prompt == "" {
		return nil, fmt.Errorf("no conversation content to extract")
	}

	raw, err := e.client.Extract(ctx, prompt, extractionSchemaHint)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var wire extractionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrSchema, err)
	}

	res := e.validate(&wire)
	e.logger.Debug("llm extraction complete",
		"user_id", userID, "facts", len(res.Facts), "emotion", res.Emotion)
	return res, nil
}

func (e *LLMExtractor) validate(wire *extractionWire) *memory.ExtractionResult {
	res := &memory.ExtractionResult{
		Summary:    truncateRunes(strings.TrimSpace(wire.Summary), e.summaryMaxLen),
		Emotion:    memory.NormalizeEmotion(wire.Emotion),
		Importance: memory.Clip01(wire.Importance),
	}

	for _, k := range wire.Keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		res.Keywords = append(res.Keywords, k)
		if len(res.Keywords) >= maxKeywords {
			break
		}
	}
	// Keyword retrieval needs something to match on. When the model returns
	// no keywords, derive them from the summary.
	if len(res.Keywords) == 0 && res.Summary != "" {
		res.Keywords = keywordsFromText(e.tokenizer, res.Summary)
	}

	for _, f := range wire.Facts {
		subj := truncateRunes(strings.TrimSpace(f.Subject), maxSubjectRunes)
		pred := truncateRunes(strings.TrimSpace(f.Predicate), maxPredicateRun)
		obj := truncateRunes(strings.TrimSpace(f.Object), maxObjectRunes)
		if subj == "" || pred == "" || obj == "" {
			continue
		}
		conf := f.Confidence
		if conf <= 0 || conf > 1 {
			conf = defaultFactConf
		}
		res.Facts = append(res.Facts, memory.FactTriple{
			Subject: subj, Predicate: pred, Object: obj, Confidence: conf,
		})
		if len(res.Facts) >= maxFacts {
			break
		}
	}

	res.Profile.Name = truncateRunes(strings.TrimSpace(wire.Profile.Name), maxNameRunes)
	if age := parseAge(wire.Profile.Age); age > 0 && age < 150 {
		res.Profile.Age = age
	}
	res.Profile.Gender = strings.TrimSpace(wire.Profile.Gender)
	for _, tag := range wire.Profile.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		res.Profile.AddTags = append(res.Profile.AddTags, tag)
		if len(res.Profile.AddTags) >= maxDeltaTags {
			break
		}
	}
	return res
}

// FormatConversation renders messages as a transcript for the extraction
// prompt. System messages are skipped.
func FormatConversation(msgs []memory.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case memory.RoleUser:
			b.WriteString("用户: ")
		case memory.RoleAssistant:
			b.WriteString("助手: ")
		default:
			continue
		}
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// parseAge accepts ages sent as either a JSON number or a quoted string.
func parseAge(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
