// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// aavctl is the operator CLI for .aav record files: inspect, validate,
// repair, and run discovery without an agent process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/antimetal/assetstate/internal/guardian"
	"github.com/antimetal/assetstate/internal/scanner"
	"github.com/antimetal/assetstate/pkg/record"
)

const usage = `Usage: aavctl <command> [flags]

Commands:
  show <asset-id>       Print a record as JSON
  validate [asset-id]   Validate one record, or every record in the directory
  repair <asset-id>     Run the repair chain on a record
  scan                  Discover assets on this host

Common flags:
  --assets-dir DIR      Record directory (default "./assets")
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "show":
		err = runShow(args)
	case "validate":
		err = runValidate(args)
	case "repair":
		err = runRepair(args)
	case "scan":
		err = runScan(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	assetsDir := fs.String("assets-dir", "./assets", "record directory")
	return fs, assetsDir
}

func quietLogger() logr.Logger {
	zl, err := zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

func runShow(args []string) error {
	fs, assetsDir := newFlagSet("show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("show requires exactly one asset id")
	}

	store := record.NewStore(*assetsDir, quietLogger())
	rec, err := store.Read(fs.Arg(0))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runValidate(args []string) error {
	fs, assetsDir := newFlagSet("validate")
	maxAge := fs.Duration("max-age", 300*time.Second, "freshness threshold")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := record.NewStore(*assetsDir, quietLogger())
	validator := guardian.NewValidator(*maxAge)

	var paths []string
	if fs.NArg() > 0 {
		for _, id := range fs.Args() {
			paths = append(paths, store.Path(id))
		}
	} else {
		ids, err := store.List()
		if err != nil {
			return err
		}
		for _, id := range ids {
			paths = append(paths, store.Path(id))
		}
	}
	if len(paths) == 0 {
		fmt.Println("no records found")
		return nil
	}

	results := validator.ValidateBatch(paths)
	for _, res := range results {
		fmt.Println(res)
	}

	summary := guardian.Summarize(results)
	fmt.Printf("\n%d files: %d valid, %d invalid (%.1f%% valid), %d errors, %d warnings\n",
		summary.TotalFiles, summary.Valid, summary.Invalid, summary.ValidityRate,
		summary.TotalErrors, summary.TotalWarnings)
	if summary.Invalid > 0 {
		os.Exit(1)
	}
	return nil
}

func runRepair(args []string) error {
	fs, assetsDir := newFlagSet("repair")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("repair requires exactly one asset id")
	}

	store := record.NewStore(*assetsDir, quietLogger())
	repairer := guardian.NewRepairer(store, quietLogger())
	result := repairer.Repair(store.Path(fs.Arg(0)))
	fmt.Println(result)
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

func runScan(args []string) error {
	fs, _ := newFlagSet("scan")
	watch := fs.StringSlice("watch-process", nil, "process names to discover as service assets")
	timeout := fs.Duration("timeout", 30*time.Second, "scan deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := quietLogger()
	scanners := []scanner.Scanner{
		scanner.NewSystemScanner(logger),
		scanner.NewProcessScanner(*watch, logger),
	}
	run := scanner.ScanAll(ctx, scanners)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}
