// Package mmio provides typed access to memory-mapped register blocks.
// A Block is a 4 KiB (or smaller) window of 32-bit registers; the rest of
// the control plane only ever talks to hardware through it, which keeps the
// register models in hwsim and real /dev/mem windows interchangeable.
package mmio

import (
	"fmt"
	"time"

	"github.com/tinyrange/coproc/internal/errkind"
)

// Block is a window of 32-bit registers addressed by byte offset.
type Block interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// SetBits32 ORs mask into the register at off.
func SetBits32(b Block, off, mask uint32) {
	b.Write32(off, b.Read32(off)|mask)
}

// ClearBits32 clears mask in the register at off.
func ClearBits32(b Block, off, mask uint32) {
	b.Write32(off, b.Read32(off)&^mask)
}

// DefaultPollAttempts bounds every hardware status poll in the module.
const DefaultPollAttempts = 100

// DefaultPollDelay is the pause between poll iterations.
const DefaultPollDelay = 10 * time.Microsecond

// PollBits reads the register at off until (value & mask) == want, at most
// attempts times with delay between reads. It returns errkind.ErrIO when the
// bound is exhausted.
func PollBits(b Block, off, mask, want uint32, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	for i := 0; i < attempts; i++ {
		if b.Read32(off)&mask == want {
			return nil
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("mmio: poll of register 0x%03x (mask 0x%08x want 0x%08x) timed out: %w",
		off, mask, want, errkind.ErrIO)
}
