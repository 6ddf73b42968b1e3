// Package contextwindow bounds conversation history: it picks the slice of
// messages sent to the model and shrinks stored history by truncation or
// summarization once it grows past the configured maximum.
package contextwindow

import "fmt"

type Config struct {
	MaxConversationLength  int
	SlidingWindowSize      int
	EnableSummarization    bool
	SummarizationThreshold float64
	MaxSummaryLength       int
	// MinMessages is the shortest history that may be summarized.
	MinMessages int

	PreserveUserPreferences bool
	PreserveToolResults     bool
	PreserveFileContext     bool

	KeepUserMessages      int
	KeepAssistantMessages int
	// RecentWindow is the tail of history that Selection draws from.
	RecentWindow int

	// Model and Provider address the synopsis request. Empty values use the
	// client defaults.
	Model    string
	Provider string
}

func DefaultConfig() Config {
	return Config{
		MaxConversationLength:   100,
		SlidingWindowSize:       50,
		SummarizationThreshold:  0.7,
		MaxSummaryLength:        500,
		MinMessages:             20,
		PreserveUserPreferences: true,
		PreserveToolResults:     true,
		PreserveFileContext:     true,
		KeepUserMessages:        10,
		KeepAssistantMessages:   5,
		RecentWindow:            15,
	}
}

// withDefaults fills zero-valued sizes from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConversationLength <= 0 {
		c.MaxConversationLength = d.MaxConversationLength
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = d.SlidingWindowSize
	}
	if c.SummarizationThreshold <= 0 {
		c.SummarizationThreshold = d.SummarizationThreshold
	}
	if c.MaxSummaryLength <= 0 {
		c.MaxSummaryLength = d.MaxSummaryLength
	}
	if c.MinMessages <= 0 {
		c.MinMessages = d.MinMessages
	}
	if c.KeepUserMessages <= 0 {
		c.KeepUserMessages = d.KeepUserMessages
	}
	if c.KeepAssistantMessages <= 0 {
		c.KeepAssistantMessages = d.KeepAssistantMessages
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	return c
}

func (c Config) Validate() error {
	if c.SlidingWindowSize > c.MaxConversationLength {
		return fmt.Errorf("sliding window size (%d) exceeds max conversation length (%d)", c.SlidingWindowSize, c.MaxConversationLength)
	}
	if c.SummarizationThreshold > 1 {
		return fmt.Errorf("summarization threshold %.2f must be within (0, 1]", c.SummarizationThreshold)
	}
	return nil
}
