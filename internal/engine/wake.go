package engine

import (
	"context"

	"github.com/peti69/weaver/internal/link"
)

// fanInWake merges every link's Wake channel into one, the Go
// translation of the original's per-link collectFds/pselect merge: a
// goroutine per link forwards a non-blocking signal, so one slow or
// nil-Wake link never stalls another's readiness. Mirrors the teacher
// bus's fan-out idiom, inverted into a fan-in.
func fanInWake(ctx context.Context, links []*link.Link) <-chan struct{} {
	out := make(chan struct{}, 1)
	for _, l := range links {
		w := l.Wake()
		if w == nil {
			continue
		}
		go func(w <-chan struct{}) {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-w:
					select {
					case out <- struct{}{}:
					default:
					}
					if !ok {
						return
					}
				}
			}
		}(w)
	}
	return out
}
