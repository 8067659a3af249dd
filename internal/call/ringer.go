package call

import (
	"sync"
	"time"
)

// Ringback tone sequences in Hz.
var (
	IncomingTones = []int{523, 659, 784, 659}
	OutgoingTones = []int{494, 622, 740, 622}
)

// ToneSink plays a continuous tone until the next call.
type ToneSink interface {
	Play(freqHz int)
	Silence()
}

// Ringer cycles a tone sequence through a ToneSink.
type Ringer struct {
	sink ToneSink
	step time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewRinger creates a Ringer advancing one tone every step.
func NewRinger(sink ToneSink, step time.Duration) *Ringer {
	if step <= 0 {
		step = 480 * time.Millisecond
	}
	return &Ringer{sink: sink, step: step}
}

// Start plays seq in a loop, replacing any running sequence.
func (r *Ringer) Start(seq []int) {
	if r == nil || r.sink == nil || len(seq) == 0 {
		return
	}
	r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done
	r.sink.Play(seq[0])

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.step)
		defer ticker.Stop()
		idx := 0
		for {
			select {
			case <-ticker.C:
				idx = (idx + 1) % len(seq)
				r.sink.Play(seq[idx])
			case <-stop:
				return
			}
		}
	}()
}

// Stop silences the sink. It is safe to call when nothing rings.
func (r *Ringer) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	r.sink.Silence()
}

// Ringing reports whether a sequence is playing.
func (r *Ringer) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}
