// SPDX-License-Identifier: MIT

// Command leaudioctl is the interactive bench driver for manual LE Audio
// group bring-up and testing: attach a group, drive
// StartStream/ConfigureStream/SuspendStream/StopStream through a
// charmbracelet/huh menu, and watch its status reports and per-device ASE
// state without going through a real peer or controller.
//
// Usage:
//
//	leaudioctl COMMAND [OPTIONS]
//
// Commands:
//
//	menu          Launch the interactive bench menu
//	diagnose      Run the bench preflight diagnostic report
//	help          Show this help message
//	version       Show version information
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/leaudio-go/leaudio/internal/bootstrap"
	"github.com/leaudio-go/leaudio/internal/config"
	"github.com/leaudio-go/leaudio/internal/diagnostics"
	"github.com/leaudio-go/leaudio/internal/menu"
)

var (
	Version = "dev"
	Commit = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	switch args[0] {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		fmt.Printf("leaudioctl %s (%s)\n", Version, Commit)
		return nil
	case "menu":
		return runMenu(args[1:])
	case "diagnose":
		return runDiagnose(args[1:])
	default:
		return fmt.Errorf("unknown command: %s (run 'leaudioctl help' for usage)", args[0])
	}
}

func runHelp() error {
	fmt.Print(`leaudioctl - LE Audio bench driver

USAGE:
    leaudioctl COMMAND [OPTIONS]

COMMANDS:
    menu          Launch the interactive bench menu
    diagnose      Run the bench preflight diagnostic report
    help          Show this help message
    version       Show version information

OPTIONS (menu):
    --group N     Attach group id N for this session (default: 1)
`)
	return nil
}

// runMenu attaches one ad-hoc group (bench bring-up has no discovery
// collaborator wired in) and launches the interactive bench menu against it.
func runMenu(args []string) error {
	groupID := uint32(1)
	for i := 0; i < len(args); i++ {
		if args[i] == "--group" && i+1 < len(args) {
			n, err := strconv.ParseUint(args[i+1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid --group value: %w", err)
			}
			groupID = uint32(n)
			i++
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	registry := bootstrap.NewRegistry(logger)

	xport := bootstrap.NewLoopbackTransport(logger)
	groupCfg := config.DefaultConfig().GetGroupConfig(fmt.Sprint(groupID))
	if _, _, err := registry.Attach(groupID, groupCfg, xport); err != nil {
		return err
	}

	return menu.CreateMainMenu(registry.Drivers).Display()
}

func runDiagnose(args []string) error {
	opts := diagnostics.DefaultOptions()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				opts.ConfigPath = args[i+1]
				i++
			}
		case "--verbose":
			opts.Verbose = true
		}
	}

	runner := diagnostics.NewRunner(opts)
	report, err := runner.Run(context.Background())
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		os.Exit(1)
	}
	return nil
}
