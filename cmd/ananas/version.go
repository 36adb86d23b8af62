package main

import (
	"fmt"
	"os"

	"github.com/ananasvpn/ananas/internal/version"
)

// VersionCmd prints version info.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.String())
	if exe, err := os.Executable(); err == nil {
		if pm := version.DetectPackageManager(exe); pm != "" {
			fmt.Printf("installed via %s\n", pm)
		}
	}
	return nil
}
