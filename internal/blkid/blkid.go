// Package blkid probes block devices for filesystem attributes.
package blkid

import (
	"context"
	"errors"

	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/keyvalue"
	"github.com/kriansa/image-info/internal/log"
)

// Prober reads the label, UUID and filesystem type of a device
type Prober struct {
	runner command.Runner
}

// New creates a Prober running blkid through runner
func New(runner command.Runner) *Prober {
	return &Prober{runner: runner}
}

// Probe returns the attributes blkid reports for device.
// The cache is bypassed so stale entries from the host never leak in.
// A device blkid cannot identify yields empty attributes and no error.
func (p *Prober) Probe(ctx context.Context, device string) (disk.Attributes, error) {
	res, err := p.runner.Run(ctx, "blkid", "-c", "/dev/null", "--output", "export", device)
	if err != nil {
		var te *command.ToolError
		if !errors.As(err, &te) {
			return disk.Attributes{}, err
		}
		log.Debug("blkid found nothing", "device", device, "exit", te.ExitCode)
		if res == nil {
			return disk.Attributes{}, nil
		}
	}

	kv := keyvalue.Parse(string(res.Stdout))
	attrs := disk.Attributes{
		Label:  kv["LABEL"],
		UUID:   kv["UUID"],
		FSType: kv["TYPE"],
	}
	log.Debug("probed device", "device", device, "label", attrs.Label, "uuid", attrs.UUID, "type", attrs.FSType)
	return attrs, nil
}
