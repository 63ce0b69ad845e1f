// Command coprocd brings up the remote cores described by a YAML
// configuration and serves their transports until it is signalled. With
// -model it runs against the in-memory hardware models, which is useful
// for exercising a configuration without the SoC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	coproc "github.com/tinyrange/coproc"
	"github.com/tinyrange/coproc/internal/cfg"
	"github.com/tinyrange/coproc/internal/rproc"
)

func main() {
	configPath := flag.String("config", "coproc.yaml", "module configuration")
	model := flag.Bool("model", false, "drive the in-memory hardware models instead of /dev/mem")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *model); err != nil {
		slog.Error("coprocd failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, model bool) error {
	config, err := cfg.LoadFile(configPath)
	if err != nil {
		return err
	}

	var platform *coproc.Platform
	if model {
		platform, err = modelPlatform(config)
	} else {
		platform, err = devicePlatform(config)
	}
	if err != nil {
		return err
	}

	mod, err := coproc.Setup(config, platform)
	if err != nil {
		return err
	}
	defer func() {
		if err := coproc.Destroy(); err != nil {
			slog.Warn("teardown failed", "err", err)
		}
	}()

	mod.WatchState(func(procID int, state rproc.State) {
		slog.Info("remote state change", "proc", procID, "state", state.String())
	})

	var g errgroup.Group
	for id := range config.Remotes {
		g.Go(func() error {
			if err := mod.Attach(id, imageFor(config.Remotes[id])); err != nil {
				return fmt.Errorf("attach %s: %w", config.Remotes[id].Name, err)
			}
			if err := mod.Start(id); err != nil {
				return fmt.Errorf("start %s: %w", config.Remotes[id].Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("all remotes up", "count", len(config.Remotes))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// imageFor builds the firmware description from the configured
// carveouts. A real deployment plugs the RPRC loader in here; the
// carveout list alone is enough to bring the address tables up.
func imageFor(remote cfg.RemoteConfig) rproc.FirmwareImage {
	img := &cfg.StaticImage{}
	for _, c := range remote.Carveouts {
		img.MapList = append(img.MapList, rproc.Mapping{
			MasterPhys: uint32(c.Phys),
			SlaveVirt:  uint32(c.Phys),
			Size:       uint32(c.Size),
			MapMask:    rproc.MaskMasterPhys | rproc.MaskSlavePhys | rproc.MaskSlaveVirt,
		})
	}
	return img
}
