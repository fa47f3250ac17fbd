package activity

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Fuzzer obscures small viewer counts
type Fuzzer struct {
	// Counts below this value are fuzzed
	Threshold int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewFuzzer creates a Fuzzer for counts below threshold
func NewFuzzer(threshold int) *Fuzzer {
	return &Fuzzer{
		Threshold: threshold,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fuzz returns the count to display for a true count and, if it was fuzzed.
// A fuzzed count never equals the true count and is never negative.
func (f *Fuzzer) Fuzz(count int) (int, bool) {
	if count >= f.Threshold {
		return count, false
	}

	// Smaller counts get a proportionally larger spread
	spread := int(math.Round(5 * math.Exp(-float64(count)/60)))
	if spread < 2 {
		spread = 2
	}

	f.mu.Lock()
	offset := 1 + f.rnd.Intn(spread)
	negative := f.rnd.Intn(2) == 0
	f.mu.Unlock()

	if negative && count-offset >= 0 {
		return count - offset, true
	}
	return count + offset, true
}
