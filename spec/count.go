package spec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/beamline/gospec/wire"
)

const countProperty = "scaler/.all./count"

// Count runs the scalers for the given number of seconds and returns
// the final value of every known counter, keyed by mnemonic. While the
// count runs, update (if non-nil) receives a snapshot after each pushed
// value. The event stream is not guaranteed to carry the last value of
// every counter, so the result comes from a synchronous read per
// counter after the count completes; the settled values are fed
// through update as a last snapshot before it returns. With
// refreshNames the counter table is reloaded first.
func (s *Session) Count(ctx context.Context, seconds float64, update func(map[string]float64), refreshNames bool) (map[string]float64, error) {
	if refreshNames {
		if err := s.RefreshCounterNames(ctx); err != nil {
			return nil, err
		}
	}
	counters := s.Counters()
	if len(counters) == 0 {
		return nil, fmt.Errorf("%w: no counters on this server", ErrNotFound)
	}

	var mu sync.Mutex
	live := make(map[string]float64, len(counters))
	subs := make(map[string]*Subscriber, len(counters))
	defer func() {
		for prop, sb := range subs {
			s.Unsubscribe(prop, sb)
		}
	}()
	for _, c := range counters {
		mne := c.Mne
		prop := counterProp(mne)
		sb, err := s.Subscribe(prop, func(f *wire.Frame) {
			v, err := frameFloat(f)
			if err != nil {
				return
			}
			mu.Lock()
			live[mne] = v
			snap := make(map[string]float64, len(live))
			for k, vv := range live {
				snap[k] = vv
			}
			mu.Unlock()
			if update != nil {
				update(snap)
			}
		}, false)
		if sb != nil {
			subs[prop] = sb
		}
		if err != nil {
			return nil, err
		}
	}

	if _, _, err := s.Run(ctx, fmt.Sprintf("count %s", strconv.FormatFloat(seconds, 'g', -1, 64))); err != nil {
		return nil, err
	}

	final := make(map[string]float64, len(counters))
	for _, c := range counters {
		f, err := s.Get(counterProp(c.Mne))
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		v, err := frameFloat(f)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.Mne, err)
		}
		final[c.Mne] = v
	}
	if update != nil {
		mu.Lock()
		for k, v := range final {
			live[k] = v
		}
		snap := make(map[string]float64, len(live))
		for k, v := range live {
			snap[k] = v
		}
		mu.Unlock()
		update(snap)
	}
	return final, nil
}

// StopCounting interrupts a running count.
func (s *Session) StopCounting() error {
	return s.Set(countProperty, "0", 0)
}

func counterProp(mne string) string { return "scaler/" + mne + "/value" }

// frameFloat extracts a single numeric value from a frame, whether the
// server sent it as text or a one-element array.
func frameFloat(f *wire.Frame) (float64, error) {
	if f.Type == wire.TypeArrString {
		return 0, fmt.Errorf("%w: string array is not numeric", wire.ErrBodyType)
	}
	if f.Type.IsArray() {
		arr, err := f.Array()
		if err != nil {
			return 0, err
		}
		if arr.Len() == 0 {
			return 0, fmt.Errorf("%w: empty array", wire.ErrBodyLength)
		}
		return arr.Float64(0), nil
	}
	text, err := f.Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(text), 64)
}
