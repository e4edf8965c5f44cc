//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Builds the shaders and runs the engine against a window.
func (Run) Engine() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", "."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the engine against the simulated device. No GPU or window required.
func (Run) Headless() error {
	fmt.Println("Run engine (headless)...")
	if _, err := executeCmd("go", withArgs("run", ".", "-headless", "-frames", "600"), withStream()); err != nil {
		return err
	}
	return nil
}
