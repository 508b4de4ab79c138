package extract

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/toybox-ai/memoryd/internal/memory"
)

// RuleExtractor derives memory from conversation text with regex patterns
// and a small emotion lexicon. Pure and deterministic, it backs the mock
// preset and serves as fallback when the LLM extractor fails.
type RuleExtractor struct {
	tokenizer     Tokenizer
	summaryMaxLen int
}

// NewRuleExtractor creates a rule-based extractor. summaryMaxLen caps the
// summary in runes.
func NewRuleExtractor(tokenizer Tokenizer, summaryMaxLen int) *RuleExtractor {
	if tokenizer == nil {
		tokenizer = NewGseTokenizer()
	}
	if summaryMaxLen <= 0 {
		summaryMaxLen = defaultSummaryCap
	}
	return &RuleExtractor{tokenizer: tokenizer, summaryMaxLen: summaryMaxLen}
}

var (
	namePattern = regexp.MustCompile(`我叫([\p{Han}A-Za-z]{1,10})`)
	agePattern  = regexp.MustCompile(`我(?:今年)?(\d{1,3})岁`)

	// Predicate verbs that turn "我<verb><object>" into a fact triple.
	factVerbs = []string{"不喜欢", "朋友叫", "喜欢", "讨厌", "害怕", "想要", "有"}
)

var emotionLexicon = map[string][]string{
	memory.EmotionHappy:   {"开心", "高兴", "喜欢", "太好了", "哈哈", "喜欢你"},
	memory.EmotionSad:     {"难过", "伤心", "哭", "想哭", "不开心"},
	memory.EmotionAngry:   {"生气", "讨厌", "烦", "不要"},
	memory.EmotionScared:  {"害怕", "怕", "吓", "可怕"},
	memory.EmotionCurious: {"为什么", "是什么", "怎么", "吗？", "吗?"},
}

var stopwords = map[string]bool{
	"的": true, "了": true, "是": true, "我": true, "你": true,
	"吗": true, "啊": true, "呢": true, "吧": true, "嘛": true,
	"哦": true, "呀": true,
}

func (r *RuleExtractor) Extract(ctx context.Context, msgs []memory.Message, userID string) (*memory.ExtractionResult, error) {
	res := &memory.ExtractionResult{Emotion: memory.EmotionNeutral}

	userTexts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == memory.RoleUser && strings.TrimSpace(m.Text) != "" {
			userTexts = append(userTexts, m.Text)
		}
	}
	joined := strings.Join(userTexts, "。")

	// Profile patterns.
	if m := namePattern.FindStringSubmatch(joined); m != nil {
		res.Profile.Name = m[1]
	}
	if m := agePattern.FindStringSubmatch(joined); m != nil {
		if age, err := strconv.Atoi(m[1]); err == nil && age > 0 && age < 150 {
			res.Profile.Age = age
		}
	}
	switch {
	case strings.Contains(joined, "我是男"):
		res.Profile.Gender = "male"
	case strings.Contains(joined, "我是女"):
		res.Profile.Gender = "female"
	}

	subject := res.Profile.Name
	if subject == "" {
		subject = "user"
	}
	res.Facts = r.extractFacts(userTexts, subject)
	for _, f := range res.Facts {
		res.Profile.AddTags = append(res.Profile.AddTags, f.Predicate+" "+f.Object)
		if len(res.Profile.AddTags) >= maxDeltaTags {
			break
		}
	}

	res.Summary = r.summarize(userTexts)
	res.Keywords = r.keywords(joined)
	res.Emotion = detectEmotion(joined)

	importance := 0.3 + 0.1*float64(len(res.Facts))
	if !res.Profile.Empty() {
		importance += 0.1
	}
	if res.Emotion != memory.EmotionNeutral {
		importance += 0.1
	}
	res.Importance = memory.Clip01(importance)

	return res, nil
}

func (r *RuleExtractor) extractFacts(userTexts []string, subject string) []memory.FactTriple {
	seen := map[string]bool{}
	var facts []memory.FactTriple
	for _, text := range userTexts {
		for _, clause := range splitClauses(text) {
			for _, verb := range factVerbs {
				i := strings.Index(clause, "我"+verb)
				if i < 0 {
					continue
				}
				obj := strings.TrimSpace(clause[i+len("我"+verb):])
				obj = truncateRunes(obj, maxObjectRunes)
				if obj == "" {
					continue
				}
				key := verb + "\x00" + obj
				if seen[key] {
					continue
				}
				seen[key] = true
				facts = append(facts, memory.FactTriple{
					Subject:    subject,
					Predicate:  verb,
					Object:     obj,
					Confidence: defaultFactConf,
				})
				if len(facts) >= maxFacts {
					return facts
				}
				break
			}
		}
	}
	return facts
}

func (r *RuleExtractor) summarize(userTexts []string) string {
	parts := make([]string, 0, len(userTexts))
	for _, text := range userTexts {
		clauses := splitClauses(text)
		if len(clauses) > 0 {
			parts = append(parts, clauses[0])
		}
	}
	return truncateRunes(strings.Join(parts, "；"), r.summaryMaxLen)
}

func (r *RuleExtractor) keywords(text string) []string {
	return keywordsFromText(r.tokenizer, text)
}

// keywordsFromText ranks tokens by frequency, filtering stopwords and
// single runes, with a raw-bigram fallback so non-empty text always yields
// keywords.
func keywordsFromText(tokenizer Tokenizer, text string) []string {
	freq := map[string]int{}
	order := []string{}
	for _, tok := range tokenizer.Tokens(text) {
		if stopwords[tok] || len([]rune(tok)) < 2 {
			continue
		}
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}
	if len(order) == 0 {
		// Nothing survived filtering; fall back to raw bigrams.
		for _, tok := range Bigrams(text) {
			if freq[tok] == 0 {
				order = append(order, tok)
			}
			freq[tok]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return freq[order[i]] > freq[order[j]]
	})
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

func detectEmotion(text string) string {
	best := memory.EmotionNeutral
	bestCount := 0
	for _, emotion := range memory.Emotions {
		count := 0
		for _, word := range emotionLexicon[emotion] {
			count += strings.Count(text, word)
		}
		if count > bestCount {
			best = emotion
			bestCount = count
		}
	}
	return best
}

func splitClauses(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '。', '！', '？', '，', '；', '.', '!', '?', ',', ';', '\n':
			return true
		}
		return false
	})
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
