// Package qemuimg identifies disk image formats and converts images to raw
// with qemu-img.
package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/log"
)

// FormatRaw is the format loop devices can read directly
const FormatRaw = "raw"

// Format describes an image file. Compat is only set for qcow2.
type Format struct {
	Type   string `json:"type" yaml:"type"`
	Compat string `json:"compat,omitempty" yaml:"compat,omitempty"`
}

// Raw reports whether the image can be attached without conversion
func (f *Format) Raw() bool {
	return f.Type == FormatRaw
}

type info struct {
	Format         string `json:"format"`
	VirtualSize    uint64 `json:"virtual-size"`
	FormatSpecific struct {
		Type string `json:"type"`
		Data struct {
			Compat string `json:"compat"`
		} `json:"data"`
	} `json:"format-specific"`
}

// Tool runs qemu-img
type Tool struct {
	runner command.Runner
}

// New creates a Tool
func New(runner command.Runner) *Tool {
	return &Tool{runner: runner}
}

// Info returns the format of the image at path
func (t *Tool) Info(ctx context.Context, path string) (*Format, error) {
	res, err := t.runner.Run(ctx, "qemu-img", "info", "--output=json", path)
	if err != nil {
		return nil, fmt.Errorf("read image format: %w", err)
	}

	var out info
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, fmt.Errorf("parse qemu-img output for %s: %w", path, err)
	}
	if out.Format == "" {
		return nil, fmt.Errorf("qemu-img reported no format for %s", path)
	}

	f := &Format{Type: out.Format}
	if out.Format == "qcow2" {
		f.Compat = out.FormatSpecific.Data.Compat
	}

	log.Debug("image format", "path", path, "format", f.Type, "compat", f.Compat, "virtual_size", out.VirtualSize)
	return f, nil
}

// ConvertToRaw writes a raw copy of src to dst
func (t *Tool) ConvertToRaw(ctx context.Context, src, dst string) error {
	log.Info("converting image to raw", "source", src, "destination", dst)
	if _, err := t.runner.Run(ctx, "qemu-img", "convert", "-O", FormatRaw, src, dst); err != nil {
		return fmt.Errorf("convert %s to raw: %w", src, err)
	}
	return nil
}
