package contextwindow

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/danshapiro/termgpt/internal/llm"
)

// Summary condenses the part of a conversation that was dropped.
type Summary struct {
	Text                 string           `json:"text"`
	Preserved            PreservedContext `json:"preserved_context"`
	Timestamp            time.Time        `json:"timestamp"`
	OriginalMessageCount int              `json:"original_message_count"`
}

// ToMessage renders the summary as a single system message stamped with the
// summary time.
func (s Summary) ToMessage() llm.Message {
	preserved, err := json.MarshalIndent(s.Preserved, "", "  ")
	if err != nil {
		preserved = []byte("{}")
	}
	content := fmt.Sprintf("Conversation Summary (%s):\n\n%s\n\nPreserved Context:\n%s",
		s.Timestamp.Format("15:04:05"), s.Text, preserved)
	content = clipBytes(content, llm.MaxContentBytes)
	return llm.Message{Role: llm.RoleSystem, Content: content, Timestamp: s.Timestamp}
}

// clipBytes cuts s to at most n bytes without splitting a rune.
func clipBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
