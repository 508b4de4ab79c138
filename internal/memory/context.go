package memory

import (
	"fmt"
	"strings"
)

// MemoryContext is the transient per-query assembly handed to the host
// for prompt construction: the profile, the most relevant facts and
// episodes, and the live working-memory slice.
type MemoryContext struct {
	Profile  *Profile  `json:"profile,omitempty"`
	Facts    []Fact    `json:"facts"`
	Episodes []Episode `json:"episodes"`
	Working  []Message `json:"working"`
}

// SystemPrompt renders the context into the fixed three-block system
// prompt format. Blocks with no content are omitted; the result is
// trimmed. Rendering is deterministic over the context value.
func (c *MemoryContext) SystemPrompt() string {
	var parts []string

	if c.Profile != nil {
		var lines []string
		if c.Profile.Name != "" {
			lines = append(lines, "用户名字："+c.Profile.Name)
		}
		if c.Profile.Age > 0 {
			lines = append(lines, fmt.Sprintf("年龄：%d岁", c.Profile.Age))
		}
		if c.Profile.Gender != "" {
			lines = append(lines, "性别："+c.Profile.Gender)
		}
		if len(c.Profile.Tags) > 0 {
			lines = append(lines, "兴趣特征："+strings.Join(c.Profile.Tags, "、"))
		}
		if len(lines) > 0 {
			parts = append(parts, "【用户信息】\n"+strings.Join(lines, "\n"))
		}
	}

	if len(c.Facts) > 0 {
		var lines []string
		for i := range c.Facts {
			lines = append(lines, "- "+c.Facts[i].Natural())
		}
		parts = append(parts, "【已知信息】\n"+strings.Join(lines, "\n"))
	}

	if len(c.Episodes) > 0 {
		var lines []string
		for i := range c.Episodes {
			lines = append(lines, "- "+c.Episodes[i].Summary)
		}
		parts = append(parts, "【相关记忆】\n"+strings.Join(lines, "\n"))
	}

	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
