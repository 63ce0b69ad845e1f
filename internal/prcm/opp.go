package prcm

import (
	"fmt"

	"github.com/tinyrange/coproc/internal/errkind"
)

// OPP is an operating performance point a domain can run at.
type OPP int

const (
	OPPNominal OPP = iota
	OPPOverdrive
	OPPHigh
)

// OPPRequest is the typed message forwarded to the external power
// manager. The coordinator keeps no frequency state of its own.
type OPPRequest struct {
	Domain Domain
	Point  OPP
}

// PowerManager is the external service deciding voltage and frequency.
type PowerManager interface {
	RequestOPP(req OPPRequest) error
}

// RequestOPP forwards an operating-point request for d.
func (c *Coordinator) RequestOPP(d Domain, p OPP) error {
	if d < 0 || d >= numDomains {
		return fmt.Errorf("prcm: opp request for unknown domain %d: %w", int(d), errkind.ErrInvalidArg)
	}
	if c.pm == nil {
		return fmt.Errorf("prcm: no power manager attached: %w", errkind.ErrNotSupported)
	}
	return c.pm.RequestOPP(OPPRequest{Domain: d, Point: p})
}
