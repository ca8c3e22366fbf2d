package build

import (
	"sync"
	"time"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// emitter numbers events and delivers them in emission order. The sink is
// written while the lock is held, so a slow reader slows workers down but
// never reorders events.
type emitter struct {
	mu     sync.Mutex
	id     string
	seq    int
	sink   chan<- types.BuildEvent
	events []types.BuildEvent
	now    func() time.Time
}

func (e *emitter) emit(ev types.BuildEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	ev.BuildID = e.id
	ev.Time = e.now()
	e.events = append(e.events, ev)
	if e.sink != nil {
		e.sink <- ev
	}
}

func (e *emitter) recorded() []types.BuildEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.BuildEvent(nil), e.events...)
}
