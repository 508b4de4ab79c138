package memory

// The closed emotion tag set for episodes.
const (
	EmotionHappy   = "happy"
	EmotionSad     = "sad"
	EmotionAngry   = "angry"
	EmotionScared  = "scared"
	EmotionCurious = "curious"
	EmotionNeutral = "neutral"
)

// Emotions lists every valid emotion tag.
var Emotions = []string{
	EmotionHappy, EmotionSad, EmotionAngry,
	EmotionScared, EmotionCurious, EmotionNeutral,
}

// NormalizeEmotion maps an extractor-reported emotion onto the closed tag
// set, accepting the Chinese labels some models answer with. Anything
// unrecognized becomes neutral.
func NormalizeEmotion(s string) string {
	switch s {
	case EmotionHappy, "开心", "高兴", "快乐":
		return EmotionHappy
	case EmotionSad, "难过", "伤心":
		return EmotionSad
	case EmotionAngry, "生气", "愤怒":
		return EmotionAngry
	case EmotionScared, "害怕", "恐惧":
		return EmotionScared
	case EmotionCurious, "好奇":
		return EmotionCurious
	default:
		return EmotionNeutral
	}
}
