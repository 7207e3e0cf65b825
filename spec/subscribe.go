package spec

import (
	"fmt"
	"sync"
	"time"

	"github.com/beamline/gospec/internal/observability"
	"github.com/beamline/gospec/wire"
)

// Subscriber is one local listener on a property. Events are delivered
// on a dedicated goroutine in arrival order through a bounded queue; a
// listener that cannot keep up loses the newest events rather than
// stalling the reader.
type Subscriber struct {
	prop string
	fn   EventCallback

	mu   sync.Mutex
	q    chan *wire.Frame
	done bool
}

func newSubscriber(prop string, fn EventCallback, depth int) *Subscriber {
	sb := &Subscriber{prop: prop, fn: fn, q: make(chan *wire.Frame, depth)}
	go sb.run()
	return sb
}

// Property reports which property this subscriber listens on.
func (sb *Subscriber) Property() string { return sb.prop }

func (sb *Subscriber) run() {
	for f := range sb.q {
		sb.fn(f)
	}
}

func (sb *Subscriber) enqueue(f *wire.Frame) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.done {
		return false
	}
	select {
	case sb.q <- f:
		return true
	default:
		return false
	}
}

func (sb *Subscriber) stop() {
	sb.mu.Lock()
	if !sb.done {
		sb.done = true
		close(sb.q)
	}
	sb.mu.Unlock()
}

// Subscribe registers fn for events on prop. The first subscription to a
// property sends REGISTER to the server; later ones share it and are
// seeded with the last cached event.
//
// The server never acknowledges REGISTER. With noWait false, Subscribe
// waits for whichever comes first: the property's first event (the
// server pushes the current value on registration), a benign entry on
// the error channel, or a real error message, which rolls the
// registration back and returns a *RemoteError. A server that stays
// silent past SubscribeTimeout returns the subscriber together with
// ErrTimeout: the registration stays installed and events flow if the
// server accepted after all, and the caller can Unsubscribe to drop it.
func (s *Session) Subscribe(prop string, fn EventCallback, noWait bool) (*Subscriber, error) {
	sb := newSubscriber(prop, fn, s.cfg.EventQueueLen)

	s.mu.Lock()
	if err := s.closeErrLocked(); err != nil {
		s.mu.Unlock()
		sb.stop()
		return nil, err
	}
	if sub, ok := s.subs[prop]; ok {
		sub.subs = append(sub.subs, sb)
		last := sub.last
		n := s.subscriberCountLocked()
		s.mu.Unlock()
		observability.SetActiveSubscriptions(n)
		if last != nil {
			sb.enqueue(last)
		}
		return sb, nil
	}

	s.subs[prop] = &subscription{subs: []*Subscriber{sb}}
	var race *regRace
	if !noWait {
		race = &regRace{ok: make(chan *wire.Frame, 1), errc: make(chan *wire.Frame, 1)}
		s.races[prop] = race
	}
	err := s.sendLocked(&wire.Frame{Cmd: wire.CmdRegister, Name: prop})
	n := s.subscriberCountLocked()
	s.mu.Unlock()
	observability.SetActiveSubscriptions(n)
	if err != nil {
		s.rollback(prop, sb, race, false)
		return nil, err
	}
	if race == nil {
		return sb, nil
	}

	t := time.NewTimer(s.cfg.SubscribeTimeout)
	defer t.Stop()
	select {
	case <-race.ok:
		s.clearRace(prop)
		return sb, nil
	case ef := <-race.errc:
		msg, _ := ef.Text()
		if msg == benignError {
			s.clearRace(prop)
			return sb, nil
		}
		s.rollback(prop, sb, race, true)
		return nil, &RemoteError{Prop: prop, Code: ef.Err, Message: msg}
	case <-t.C:
		s.log.Debug().Str("prop", prop).Msg("registration unconfirmed")
		s.clearRace(prop)
		return sb, fmt.Errorf("%w: registration for %s unconfirmed", ErrTimeout, prop)
	case <-s.closed:
		return nil, s.Err()
	}
}

// Unsubscribe detaches sb from prop and reports whether it was attached.
// Removing the last local subscriber sends UNREGISTER.
func (s *Session) Unsubscribe(prop string, sb *Subscriber) bool {
	s.mu.Lock()
	sub, ok := s.subs[prop]
	if !ok {
		s.mu.Unlock()
		return false
	}
	removed := false
	for i, cur := range sub.subs {
		if cur == sb {
			sub.subs = append(sub.subs[:i], sub.subs[i+1:]...)
			removed = true
			break
		}
	}
	if removed && len(sub.subs) == 0 {
		delete(s.subs, prop)
		if err := s.sendLocked(&wire.Frame{Cmd: wire.CmdUnregister, Name: prop}); err != nil {
			s.log.Warn().Err(err).Str("prop", prop).Msg("unregister failed")
		}
	}
	n := s.subscriberCountLocked()
	s.mu.Unlock()
	observability.SetActiveSubscriptions(n)
	if removed {
		sb.stop()
	}
	return removed
}

// Watch is Subscribe keyed by property name, one watcher per property,
// for callers that do not want to track Subscriber handles.
func (s *Session) Watch(prop string, fn EventCallback) error {
	s.mu.Lock()
	_, dup := s.watched[prop]
	s.mu.Unlock()
	if dup {
		return nil
	}
	sb, err := s.Subscribe(prop, fn, false)
	if err != nil {
		if sb != nil {
			s.Unsubscribe(prop, sb)
		}
		return err
	}
	s.mu.Lock()
	if _, dup := s.watched[prop]; dup {
		s.mu.Unlock()
		s.Unsubscribe(prop, sb)
		return nil
	}
	s.watched[prop] = sb
	s.mu.Unlock()
	return nil
}

// Unwatch removes a Watch and reports whether one existed.
func (s *Session) Unwatch(prop string) bool {
	s.mu.Lock()
	sb, ok := s.watched[prop]
	delete(s.watched, prop)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.Unsubscribe(prop, sb)
}

// GetCached returns the most recent event seen for a subscribed
// property, nil if none has arrived.
func (s *Session) GetCached(prop string) *wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[prop]; ok {
		return sub.last
	}
	return nil
}

func (s *Session) subscriberCountLocked() int {
	n := 0
	for _, sub := range s.subs {
		n += len(sub.subs)
	}
	return n
}

// rollback undoes a registration whose server side failed (or whose
// REGISTER never made it onto the wire).
func (s *Session) rollback(prop string, sb *Subscriber, race *regRace, unregister bool) {
	s.mu.Lock()
	if race != nil {
		delete(s.races, prop)
	}
	if sub, ok := s.subs[prop]; ok {
		for i, cur := range sub.subs {
			if cur == sb {
				sub.subs = append(sub.subs[:i], sub.subs[i+1:]...)
				break
			}
		}
		if len(sub.subs) == 0 {
			delete(s.subs, prop)
			if unregister {
				if err := s.sendLocked(&wire.Frame{Cmd: wire.CmdUnregister, Name: prop}); err != nil {
					s.log.Warn().Err(err).Str("prop", prop).Msg("unregister failed")
				}
			}
		}
	}
	n := s.subscriberCountLocked()
	s.mu.Unlock()
	observability.SetActiveSubscriptions(n)
	sb.stop()
}

func (s *Session) clearRace(prop string) {
	s.mu.Lock()
	delete(s.races, prop)
	s.mu.Unlock()
}
