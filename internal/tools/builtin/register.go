// Package builtin provides the tools registered by default.
package builtin

import (
	"fmt"

	"runcore/internal/toolregistry"
)

// Specs returns every builtin tool.
func Specs() []toolregistry.Spec {
	return []toolregistry.Spec{
		NewCalc(),
		NewSleep(),
		NewNow(nil),
		NewEcho(),
		NewFlaky(DefaultFlakyFailures),
	}
}

// Register adds every builtin tool to reg.
func Register(reg *toolregistry.Registry) error {
	for _, spec := range Specs() {
		if err := reg.Register(spec); err != nil {
			return fmt.Errorf("register builtin %s: %w", spec.Name, err)
		}
	}
	return nil
}
