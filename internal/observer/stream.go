package observer

import (
	"context"

	"github.com/roach88/syncgate/internal/value"
)

// Stream delivers a live query as a Go channel. Each received update must
// be signalled before the next one is sent:
//
//	s, err := reg.Stream(ctx, "SELECT * FROM tasks WHERE done = false", nil)
//	for u := range s.C() {
//	    render(u.Items)
//	    u.Signal()
//	}
type Stream struct {
	ch  *Channel
	out chan *Update
}

// Stream observes a query in manual-signal mode and exposes updates on a
// channel. The channel is closed once the stream is closed or the registry
// shuts down.
func (r *Registry) Stream(ctx context.Context, text string, params value.Object, opts ...ChannelOption) (*Stream, error) {
	s := &Stream{out: make(chan *Update)}

	handler := func(hctx context.Context, u *Update) error {
		select {
		case s.out <- u:
		case <-hctx.Done():
		}
		return nil
	}

	opts = append(opts, WithManualSignal())
	ch, err := r.Observe(ctx, text, params, handler, opts...)
	if err != nil {
		return nil, err
	}
	s.ch = ch

	go func() {
		<-ch.Done()
		close(s.out)
	}()
	return s, nil
}

// C returns the update channel.
func (s *Stream) C() <-chan *Update {
	return s.out
}

// Channel returns the underlying observer channel.
func (s *Stream) Channel() *Channel {
	return s.ch
}

// Close cancels the stream and waits for its dispatch goroutine to exit.
func (s *Stream) Close(ctx context.Context) error {
	return s.ch.CancelAndWait(ctx)
}
