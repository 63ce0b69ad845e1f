package main

import (
	"fmt"

	coproc "github.com/tinyrange/coproc"
	"github.com/tinyrange/coproc/internal/cfg"
	"github.com/tinyrange/coproc/internal/hwsim"
	"github.com/tinyrange/coproc/internal/mqcopy"
)

// modelPlatform wires every remote to in-memory hardware models, one
// mailbox block shared by all of them the way the SoC shares its blocks.
func modelPlatform(config *cfg.Config) (*coproc.Platform, error) {
	intc := hwsim.NewIntC()
	mbox := hwsim.NewMailbox()
	mbox.ConnectLine(coproc.HostUserID, intc.Line(config.IntID))

	platform := &coproc.Platform{
		Interrupts: intc,
		PRCM:       hwsim.NewPRCM(),
		Procs:      make(map[int]coproc.ProcResources),
	}

	for id, remote := range config.Remotes {
		base := uint64(0x9F000000 + id*0x1000000)
		size := mqcopy.RegionSize + 0x1000
		if len(remote.Carveouts) > 0 {
			base = remote.Carveouts[0].Phys
			if int(remote.Carveouts[0].Size) > size {
				size = int(remote.Carveouts[0].Size)
			}
		}
		platform.Procs[id] = coproc.ProcResources{
			Mailbox:       mbox,
			MMU:           hwsim.NewMMU(),
			Ctrl:          hwsim.NewRegFile(),
			Watchdog:      hwsim.NewGPT(),
			SharedMem:     hwsim.NewCarveout(base, size),
			SharedBase:    base,
			PageTableBase: uint32(base) + uint32(mqcopy.RegionSize) + 0x1000,
		}
	}

	if len(platform.Procs) == 0 {
		return nil, fmt.Errorf("no remotes configured")
	}
	return platform, nil
}
