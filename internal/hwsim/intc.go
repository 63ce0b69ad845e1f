package hwsim

import (
	"fmt"
	"sync"
)

// IntC models the host interrupt controller: handlers install against an
// interrupt id and peripheral lines trigger them. Dispatch is synchronous
// in the goroutine that raised the line, which stands in for hard
// interrupt context.
type IntC struct {
	mu       sync.Mutex
	handlers map[uint32]func()
}

// NewIntC returns an empty interrupt controller.
func NewIntC() *IntC {
	return &IntC{handlers: make(map[uint32]func())}
}

// Install registers handler for intID.
func (c *IntC) Install(intID uint32, handler func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[intID]; ok {
		return fmt.Errorf("hwsim: interrupt %d already installed", intID)
	}
	c.handlers[intID] = handler
	return nil
}

// Remove unregisters the handler for intID.
func (c *IntC) Remove(intID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[intID]; !ok {
		return fmt.Errorf("hwsim: interrupt %d not installed", intID)
	}
	delete(c.handlers, intID)
	return nil
}

// Line returns an IRQLine that fires intID's handler on each rising edge.
func (c *IntC) Line(intID uint32) IRQLine {
	return LineFunc(func(high bool) {
		if !high {
			return
		}
		c.mu.Lock()
		handler := c.handlers[intID]
		c.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
}
