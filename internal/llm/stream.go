package llm

import "sync"

// StreamEvent carries either a response chunk or a terminal error.
type StreamEvent struct {
	Chunk *Response
	Err   error
}

// Stream is an incremental model response. Events is closed when the
// provider finishes; Close releases the underlying connection early.
type Stream interface {
	Events() <-chan StreamEvent
	Close() error
}

// ChanStream is a channel-backed Stream used by provider adapters.
type ChanStream struct {
	ch     chan StreamEvent
	done   chan struct{}
	cancel func()

	sendOnce  sync.Once
	closeOnce sync.Once
}

func NewChanStream(cancel func()) *ChanStream {
	return &ChanStream{
		ch:     make(chan StreamEvent, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Send delivers ev unless the consumer has closed the stream. It reports
// whether the event was delivered.
func (s *ChanStream) Send(ev StreamEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// CloseSend is called by the producer after the last event.
func (s *ChanStream) CloseSend() {
	s.sendOnce.Do(func() { close(s.ch) })
}

func (s *ChanStream) Events() <-chan StreamEvent { return s.ch }

func (s *ChanStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// Done is closed once the consumer calls Close.
func (s *ChanStream) Done() <-chan struct{} { return s.done }

// Collect drains a stream into a single response: content is concatenated
// and the terminal chunk supplies finish reason, usage and tool calls.
func Collect(st Stream) (Response, error) {
	defer st.Close()
	var out Response
	var content []byte
	for ev := range st.Events() {
		if ev.Err != nil {
			return Response{}, ev.Err
		}
		if ev.Chunk == nil {
			continue
		}
		c := ev.Chunk
		content = append(content, c.Content...)
		if c.Model != "" {
			out.Model = c.Model
		}
		if c.Provider != "" {
			out.Provider = c.Provider
		}
		if c.Terminal() {
			out.FinishReason = c.FinishReason
			out.Usage = c.Usage
			out.ToolCalls = c.ToolCalls
		}
	}
	out.Content = string(content)
	return out, nil
}
