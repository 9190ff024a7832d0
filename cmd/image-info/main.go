package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/image-info/internal/collector"
	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/config"
	"github.com/kriansa/image-info/internal/inspect"
	"github.com/kriansa/image-info/internal/log"
	"github.com/kriansa/image-info/internal/output"
	"github.com/kriansa/image-info/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:      "image-info",
		Usage:     "Inspect the partitions, volumes and filesystem tree of a disk image",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Report format: json, yaml or table",
			},
			&cli.StringFlag{
				Name:  "lvm-backend",
				Usage: "LVM backend: cli or dbus",
			},
			&cli.StringFlag{
				Name:  "scratch-dir",
				Usage: "Directory for temporary mountpoints and converted images",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	if cmd.Args().Len() != 1 {
		return errors.New("exactly one IMAGE argument is required")
	}
	image := cmd.Args().First()

	log.Setup(cmd.Bool("verbose"))

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI takes precedence
	cfg.Merge(
		cmd.String("scratch-dir"),
		cmd.String("lvm-backend"),
		cmd.String("output"),
	)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	formatter, err := output.NewFormatter(cfg.Output)
	if err != nil {
		return err
	}

	if _, err := os.Stat(image); err != nil {
		return fmt.Errorf("image: %w", err)
	}

	log.Debug("inspecting image",
		"image", image,
		"scratch_dir", cfg.ScratchDir,
		"lvm_backend", cfg.LVMBackend,
		"convert", cfg.Convert(),
	)

	inspector, err := inspect.New(cfg, command.Exec{}, collector.Default())
	if err != nil {
		return fmt.Errorf("create inspector: %w", err)
	}
	defer func() {
		if err := inspector.Close(); err != nil {
			log.Warn("failed to release inspector", "error", err)
		}
	}()

	report, err := inspector.Inspect(ctx, image)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", image, err)
	}

	out, err := formatter.Format(report)
	if err != nil {
		return err
	}
	_, err = fmt.Print(out)
	return err
}
