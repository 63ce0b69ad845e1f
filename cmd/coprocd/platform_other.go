//go:build !linux

package main

import (
	"fmt"

	coproc "github.com/tinyrange/coproc"
	"github.com/tinyrange/coproc/internal/cfg"
)

func devicePlatform(*cfg.Config) (*coproc.Platform, error) {
	return nil, fmt.Errorf("device mode is linux-only; use -model")
}
