package actor

import (
	"time"

	"github.com/danmuck/swbus/internal/protocol"
)

type timer struct {
	name   string
	seq    uint64
	d      time.Duration
	repeat bool
	stop   chan struct{}
}

func (a *Ref) setTimer(name string, d time.Duration, repeat bool) {
	a.timersMu.Lock()
	if old, ok := a.timers[name]; ok {
		close(old.stop)
	}
	a.timerSeq++
	tm := &timer{name: name, seq: a.timerSeq, d: d, repeat: repeat, stop: make(chan struct{})}
	a.timers[name] = tm
	a.timersMu.Unlock()
	a.t.Go(func() error {
		a.runTimer(tm)
		return nil
	})
}

func (a *Ref) cancelTimer(name string) bool {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	tm, ok := a.timers[name]
	if !ok {
		return false
	}
	close(tm.stop)
	delete(a.timers, name)
	return true
}

func (a *Ref) stopTimers() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	for name, tm := range a.timers {
		close(tm.stop)
		delete(a.timers, name)
	}
}

// fireTimer reports whether a timer envelope still belongs to a live timer,
// retiring one-shot timers as they fire.
func (a *Ref) fireTimer(env *protocol.Envelope) bool {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	tm, ok := a.timers[string(env.Payload)]
	if !ok || tm.seq != env.ID {
		return false
	}
	if !tm.repeat {
		delete(a.timers, tm.name)
	}
	return true
}

func (a *Ref) runTimer(tm *timer) {
	ticker := time.NewTicker(tm.d)
	defer ticker.Stop()
	for {
		select {
		case <-tm.stop:
			return
		case <-a.t.Dying():
			return
		case <-ticker.C:
		}
		env := &protocol.Envelope{
			Source:      a.Address(),
			Destination: a.Address(),
			ID:          tm.seq,
			Kind:        protocol.KindTimer,
			Payload:     []byte(tm.name),
		}
		ctx := a.t.Context(nil)
		if err := a.ep.Mailbox().Push(ctx, env); err != nil {
			return
		}
		if !tm.repeat {
			return
		}
	}
}
