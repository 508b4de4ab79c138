// Package memory defines the data model for the three-tier memory store:
// working memory (the live conversation), episodic memory (persisted
// session summaries), and semantic memory (facts and the user profile).
package memory

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRole reports whether r is one of the three conversation roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation message. Immutable once added. Seq is
// monotonically increasing within a session.
type Message struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// Session is one conversation with a user. At most one session per user is
// active at a time; the ring buffer holds the most recent messages.
type Session struct {
	ID        string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Messages  []Message    `json:"messages"`
}

// Episode is the structured summary of one ended session.
type Episode struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Summary        string    `json:"summary"`
	Keywords       []string  `json:"keywords"`
	Emotion        string    `json:"emotion"`
	Importance     float64   `json:"importance"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Strength computes the retention strength of an episode: importance
// scaled by a weighted blend of recency and access frequency. Pure over
// the stored fields and now.
//
//	time_factor   = max(0, 1 - days_since(last_accessed_at) / decayDays)
//	access_factor = min(1, access_count / 10)
//	strength      = importance * (timeWeight*time_factor + accessWeight*access_factor)
func (e *Episode) Strength(now time.Time, decayDays int, timeWeight, accessWeight float64) float64 {
	days := now.Sub(e.LastAccessedAt).Hours() / 24
	timeFactor := 1 - days/float64(decayDays)
	if timeFactor < 0 {
		timeFactor = 0
	}
	accessFactor := float64(e.AccessCount) / 10
	if accessFactor > 1 {
		accessFactor = 1
	}
	return e.Importance * (timeWeight*timeFactor + accessWeight*accessFactor)
}

// Fact is a subject-predicate-object triple about a user. The key
// (user_id, subject, predicate, object) is unique; re-extraction coalesces
// to the maximum confidence and refreshes last_seen_at.
type Fact struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Subject    string    `json:"subject"`
	Predicate  string    `json:"predicate"`
	Object     string    `json:"object"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Natural renders the triple as a natural-language phrase.
func (f *Fact) Natural() string {
	return f.Subject + f.Predicate + f.Object
}

// Profile is the per-user identity and interest record. Tags are ordered
// by insertion recency, newest last.
type Profile struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Age       int       `json:"age,omitempty"`
	Gender    string    `json:"gender,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddTag appends a tag, coalescing duplicates by moving the tag to the
// most-recent position. When the cap is exceeded the oldest tags are
// dropped.
func (p *Profile) AddTag(tag string, maxTags int) {
	for i, t := range p.Tags {
		if t == tag {
			p.Tags = append(p.Tags[:i], p.Tags[i+1:]...)
			break
		}
	}
	p.Tags = append(p.Tags, tag)
	if maxTags > 0 && len(p.Tags) > maxTags {
		p.Tags = p.Tags[len(p.Tags)-maxTags:]
	}
}

// ProfileDelta carries profile changes discovered by extraction. Zero
// values mean "no change"; AddTags are appended via [Profile.AddTag].
type ProfileDelta struct {
	Name    string   `json:"name,omitempty"`
	Age     int      `json:"age,omitempty"`
	Gender  string   `json:"gender,omitempty"`
	AddTags []string `json:"add_tags,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d *ProfileDelta) Empty() bool {
	return d.Name == "" && d.Age == 0 && d.Gender == "" && len(d.AddTags) == 0
}

// Apply merges the delta into a profile, enforcing the tag cap.
func (d *ProfileDelta) Apply(p *Profile, maxTags int, now time.Time) {
	if d.Name != "" {
		p.Name = d.Name
	}
	if d.Age != 0 {
		p.Age = d.Age
	}
	if d.Gender != "" {
		p.Gender = d.Gender
	}
	for _, tag := range d.AddTags {
		p.AddTag(tag, maxTags)
	}
	p.UpdatedAt = now
}

// FactTriple is one candidate fact produced by extraction, before it is
// scoped to a user and persisted.
type FactTriple struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the structured output of turning a message sequence
// into durable memory. Both extractor variants produce this shape; neither
// touches storage.
type ExtractionResult struct {
	Summary    string       `json:"summary"`
	Keywords   []string     `json:"keywords"`
	Emotion    string       `json:"emotion"`
	Importance float64      `json:"importance"`
	Facts      []FactTriple `json:"facts"`
	Profile    ProfileDelta `json:"profile_delta"`
}

// Clip01 clamps v to [0, 1].
func Clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
