// Package collector reads facts out of a mounted image tree.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/kriansa/image-info/internal/log"
)

// Reader extracts one fact from a mounted tree. A Reader returning
// (nil, nil) contributes nothing to the report.
type Reader interface {
	// Name is the report key of the fact
	Name() string
	Read(ctx context.Context, root string) (any, error)
}

// Registry is the ordered list of readers run against a tree
type Registry []Reader

// Default returns the built-in readers
func Default() Registry {
	return Registry{
		OSRelease{},
		Hostname{},
		MachineID{},
		DefaultTarget{},
		Fstab{},
	}
}

// Collect runs every reader against root. The first failure aborts.
func (r Registry) Collect(ctx context.Context, root string) (map[string]any, error) {
	facts := make(map[string]any, len(r))
	for _, reader := range r {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v, err := reader.Read(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", reader.Name(), err)
		}
		if v == nil {
			log.Debug("nothing collected", "reader", reader.Name())
			continue
		}
		facts[reader.Name()] = v
	}
	return facts, nil
}

// readFile reads rel inside root. Symlinks are resolved as if root were
// "/", so absolute links never reach the host. A missing file yields (nil, nil).
func readFile(root, rel string) ([]byte, error) {
	path, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
