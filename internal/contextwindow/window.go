package contextwindow

import (
	"sort"

	"github.com/danshapiro/termgpt/internal/llm"
)

// Window returns the messages to send to the model: everything when the
// history fits in size, otherwise every system message in order followed by
// the last size non-system messages.
func Window(msgs []llm.Message, size int) []llm.Message {
	if size <= 0 || len(msgs) <= size {
		return append([]llm.Message(nil), msgs...)
	}
	var system, rest []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) > size {
		rest = rest[len(rest)-size:]
	}
	out := make([]llm.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}

// Truncate keeps the last max messages, minus any leading tool results
// whose requesting assistant message was cut off.
func Truncate(msgs []llm.Message, max int) []llm.Message {
	if max <= 0 || len(msgs) <= max {
		return append([]llm.Message(nil), msgs...)
	}
	kept := msgs[len(msgs)-max:]
	for len(kept) > 0 && kept[0].Role == llm.RoleTool {
		kept = kept[1:]
	}
	return append([]llm.Message(nil), kept...)
}

// Select picks the messages kept next to a summary: within the last
// RecentWindow messages, the last KeepUserMessages user messages, the last
// KeepAssistantMessages assistant messages and every tool message. A kept
// tool result whose requesting assistant message fell outside that set
// brings the request back with it, along with the request's other results.
// The result is ordered by timestamp.
func (c Config) Select(msgs []llm.Message) []llm.Message {
	c = c.withDefaults()
	start := 0
	if len(msgs) > c.RecentWindow {
		start = len(msgs) - c.RecentWindow
	}

	var users, assistants, tools []int
	for i := start; i < len(msgs); i++ {
		switch msgs[i].Role {
		case llm.RoleUser:
			users = append(users, i)
		case llm.RoleAssistant:
			assistants = append(assistants, i)
		case llm.RoleTool:
			tools = append(tools, i)
		}
	}
	keep := map[int]bool{}
	for _, i := range lastN(users, c.KeepUserMessages) {
		keep[i] = true
	}
	for _, i := range lastN(assistants, c.KeepAssistantMessages) {
		keep[i] = true
	}
	for _, i := range tools {
		keep[i] = true
		if req := requestIndex(msgs, i); req >= 0 && !keep[req] {
			keep[req] = true
			for _, r := range responseIndexes(msgs, req) {
				keep[r] = true
			}
		}
	}

	idx := make([]int, 0, len(keep))
	for i := range keep {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]llm.Message, len(idx))
	for n, i := range idx {
		out[n] = msgs[i]
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Timestamp.Before(out[b].Timestamp) })
	return out
}

// requestIndex finds the assistant message that issued the tool call answered
// by msgs[i], or -1.
func requestIndex(msgs []llm.Message, i int) int {
	id := msgs[i].ToolCallID
	for j := i - 1; j >= 0; j-- {
		if msgs[j].Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range msgs[j].ToolCalls {
			if tc.ID == id {
				return j
			}
		}
	}
	return -1
}

// responseIndexes lists the tool results answering the calls of msgs[i].
func responseIndexes(msgs []llm.Message, i int) []int {
	ids := map[string]bool{}
	for _, tc := range msgs[i].ToolCalls {
		ids[tc.ID] = true
	}
	var out []int
	for j := i + 1; j < len(msgs); j++ {
		if msgs[j].Role == llm.RoleTool && ids[msgs[j].ToolCallID] {
			out = append(out, j)
		}
	}
	return out
}

func lastN(idx []int, n int) []int {
	if len(idx) > n {
		return idx[len(idx)-n:]
	}
	return idx
}
