package aggregator

import (
	"context"

	"github.com/use-agent/fusion/models"
)

// Subscribe streams feed updates until ctx is done. The current feed is
// delivered first. A slow reader only sees the latest update; intermediate
// ones are skipped.
func (a *Aggregator) Subscribe(ctx context.Context) <-chan models.Feed {
	ch := make(chan models.Feed, 1)

	a.mu.Lock()
	a.subs[ch] = struct{}{}
	ch <- a.snapshotLocked()
	a.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-a.base.Done():
		}
		a.mu.Lock()
		delete(a.subs, ch)
		close(ch)
		a.mu.Unlock()
	}()
	return ch
}

// broadcastLocked runs under a.mu so that subscribers never see updates out
// of order.
func (a *Aggregator) broadcastLocked(feed models.Feed) {
	for ch := range a.subs {
		offer(ch, feed)
	}
}

// offer replaces any undelivered update in ch with feed.
func offer(ch chan models.Feed, feed models.Feed) {
	select {
	case ch <- feed:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- feed:
	default:
	}
}
