package market

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Series is the bounded working buffer of candles a session trades from.
// It owns ordering: whatever direction or duplication the feed produces,
// the buffer is strictly increasing by open time after every Append.
type Series struct {
	mu       sync.RWMutex
	interval time.Duration
	max      int
	data     []Candle
}

var ErrInvalidCandle = errors.New("candle fails ohlc invariant")

func NewSeries(interval time.Duration, max int) *Series {
	if max <= 0 {
		max = 500
	}
	return &Series{interval: interval, max: max}
}

// Append inserts one candle, keeping the buffer sorted and deduplicated by
// open time. A candle that re-arrives for an existing open time replaces the
// stored bar (exchanges restate the live bar until it closes).
func (s *Series) Append(c Candle) error {
	if !c.Valid() {
		return ErrInvalidCandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data)
	switch {
	case n == 0 || c.OpenTime > s.data[n-1].OpenTime:
		s.data = append(s.data, c)
	case c.OpenTime == s.data[n-1].OpenTime:
		s.data[n-1] = c
	default:
		// Out-of-order arrival; insert at the right slot.
		idx := sort.Search(n, func(i int) bool { return s.data[i].OpenTime >= c.OpenTime })
		if idx < n && s.data[idx].OpenTime == c.OpenTime {
			s.data[idx] = c
		} else {
			s.data = append(s.data, Candle{})
			copy(s.data[idx+1:], s.data[idx:])
			s.data[idx] = c
		}
	}
	if len(s.data) > s.max {
		s.data = s.data[len(s.data)-s.max:]
	}
	return nil
}

// AppendBatch normalizes a whole slice (any feed direction) into the buffer.
func (s *Series) AppendBatch(cs []Candle) error {
	for _, c := range cs {
		if err := s.Append(c); err != nil {
			return err
		}
	}
	return nil
}

// Gap reports the missing range [fromMS, toMS) preceding candle c, if the
// distance from the last stored bar exceeds one interval. Returns ok=false
// when the buffer is empty, the interval is unknown, or there is no gap.
func (s *Series) Gap(c Candle) (fromMS, toMS int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data) == 0 || s.interval <= 0 {
		return 0, 0, false
	}
	last := s.data[len(s.data)-1].OpenTime
	step := s.interval.Milliseconds()
	if c.OpenTime <= last+step {
		return 0, 0, false
	}
	return last + step, c.OpenTime, true
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Last returns the most recent candle and whether one exists.
func (s *Series) Last() (Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data) == 0 {
		return Candle{}, false
	}
	return s.data[len(s.data)-1], true
}

// Snapshot copies out the current buffer, oldest first.
func (s *Series) Snapshot() []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candle, len(s.data))
	copy(out, s.data)
	return out
}

// Closes returns the close prices of the buffer, oldest first. Strategy
// warm-up windows are computed against this slice.
func (s *Series) Closes() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.data))
	for i, c := range s.data {
		out[i] = c.Close
	}
	return out
}

// Ordered reports whether open times are strictly increasing. Kept as a
// cheap assertion hook for tests; Append maintains the property.
func (s *Series) Ordered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 1; i < len(s.data); i++ {
		if s.data[i].OpenTime <= s.data[i-1].OpenTime {
			return false
		}
	}
	return true
}
