package server

import (
	"context"
	"sort"
	"sync"

	"github.com/danshapiro/termgpt/internal/events"
)

// SessionFeeds keeps one Broadcaster per session and is fed by the event
// dispatcher as a sink. A feed is closed when its conversation ends.
type SessionFeeds struct {
	mu    sync.Mutex
	feeds map[string]*Broadcaster
}

func NewSessionFeeds() *SessionFeeds {
	return &SessionFeeds{feeds: make(map[string]*Broadcaster)}
}

func (f *SessionFeeds) Name() string { return "session-feeds" }

// Handle routes ev to its session's feed. Events without a session (LLM
// usage) are ignored.
func (f *SessionFeeds) Handle(ctx context.Context, ev events.Event) error {
	if ev.SessionID == "" {
		return nil
	}
	f.Feed(ev.SessionID).Send(ev)
	if ev.Kind == events.KindConversationEnded {
		f.close(ev.SessionID)
	}
	return nil
}

// Feed returns the session's broadcaster, creating it so clients can
// subscribe before the first message.
func (f *SessionFeeds) Feed(sessionID string) *Broadcaster {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.feeds[sessionID]
	if !ok {
		b = NewBroadcaster()
		f.feeds[sessionID] = b
	}
	return b
}

// IDs lists sessions that currently have a feed.
func (f *SessionFeeds) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.feeds))
	for id := range f.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *SessionFeeds) close(sessionID string) {
	f.mu.Lock()
	b, ok := f.feeds[sessionID]
	delete(f.feeds, sessionID)
	f.mu.Unlock()
	if ok {
		b.Close()
	}
}

// CloseAll ends every feed, releasing their SSE clients.
func (f *SessionFeeds) CloseAll() {
	f.mu.Lock()
	feeds := f.feeds
	f.feeds = make(map[string]*Broadcaster)
	f.mu.Unlock()
	for _, b := range feeds {
		b.Close()
	}
}
