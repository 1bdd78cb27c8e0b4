package sensor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// GeneratorFunc produces the next synthetic reading of a channel.
type GeneratorFunc func(ch Channel) int

// Synthetic is an in-process Source. Readings are delivered either manually
// with Emit, or automatically by a generator ticking at the sampling
// interval when one is configured. It is safe for concurrent use.
type Synthetic struct {
	mu        sync.Mutex
	handlers  map[Channel]ReadingHandler
	sampling  map[Channel]*sampler
	starts    map[Channel]int
	generator GeneratorFunc
	wg        sync.WaitGroup
}

// NewSynthetic returns a Synthetic source. When generator is nil readings
// are only delivered through Emit.
func NewSynthetic(generator GeneratorFunc) *Synthetic {
	return &Synthetic{
		handlers:  make(map[Channel]ReadingHandler),
		sampling:  make(map[Channel]*sampler),
		starts:    make(map[Channel]int),
		generator: generator,
	}
}

// sampler is the running state of one sampling channel. done is closed
// once its generator goroutine has exited; it starts closed when there is
// no generator.
type sampler struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (sm *sampler) stop() {
	sm.cancel()
	<-sm.done
}

func validChannel(ch Channel) error {
	if ch != HeartRate && ch != SkinResponse {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return nil
}

// Subscribe implements Source.
func (s *Synthetic) Subscribe(ch Channel, h ReadingHandler) error {
	if err := validChannel(ch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[ch]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, ch)
	}
	s.handlers[ch] = h
	return nil
}

// Unsubscribe implements Source.
func (s *Synthetic) Unsubscribe(ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[ch]; !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, ch)
	}
	delete(s.handlers, ch)
	return nil
}

// StartSampling implements Source. Starting an already sampling channel
// restarts its generator with the new interval.
func (s *Synthetic) StartSampling(ch Channel, interval time.Duration) error {
	if err := validChannel(ch); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.sampling[ch]
	delete(s.sampling, ch)
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm := &sampler{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	if raced := s.sampling[ch]; raced != nil {
		raced.cancel()
	}
	s.sampling[ch] = sm
	s.starts[ch]++

	if s.generator != nil && interval > 0 {
		s.wg.Add(1)
		go s.generate(ctx, ch, interval, sm.done)
	} else {
		close(sm.done)
	}

	return nil
}

// StopSampling implements Source. It returns once the channel's generator
// has exited, so no reading of ch is delivered after it.
func (s *Synthetic) StopSampling(ch Channel) error {
	s.mu.Lock()
	sm, ok := s.sampling[ch]
	delete(s.sampling, ch)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSampling, ch)
	}
	sm.stop()
	return nil
}

// Emit delivers value to the handler of ch if the channel is subscribed and
// sampling. The handler runs on the caller's goroutine.
//
// Returns:
//   - true if the reading was delivered
func (s *Synthetic) Emit(ch Channel, value int) bool {
	s.mu.Lock()
	h, subscribed := s.handlers[ch]
	_, sampling := s.sampling[ch]
	s.mu.Unlock()

	if !subscribed || !sampling {
		return false
	}

	h(value)
	return true
}

// IsSampling reports whether ch is currently sampling.
func (s *Synthetic) IsSampling(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sampling[ch]
	return ok
}

// IsSubscribed reports whether ch currently has a handler.
func (s *Synthetic) IsSubscribed(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[ch]
	return ok
}

// StartCount returns how many times sampling of ch has been started.
func (s *Synthetic) StartCount(ch Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[ch]
}

// Close stops every generator and waits for them to exit.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	for ch, sm := range s.sampling {
		sm.cancel()
		delete(s.sampling, ch)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Synthetic) generate(ctx context.Context, ch Channel, interval time.Duration, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			h := s.handlers[ch]
			s.mu.Unlock()

			if h != nil && ctx.Err() == nil {
				h(s.generator(ch))
			}
		}
	}
}

// RandomWalk returns a generator that drifts each channel around a resting
// value: heart rate around 70 bpm and skin response around 300 kOhm.
func RandomWalk(seed int64) GeneratorFunc {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(seed))
	current := map[Channel]int{HeartRate: 70, SkinResponse: 300}
	bounds := map[Channel][2]int{HeartRate: {45, 180}, SkinResponse: {50, 1500}}

	return func(ch Channel) int {
		mu.Lock()
		defer mu.Unlock()

		v := current[ch] + r.Intn(5) - 2
		b := bounds[ch]
		if v < b[0] {
			v = b[0]
		}
		if v > b[1] {
			v = b[1]
		}
		current[ch] = v
		return v
	}
}
