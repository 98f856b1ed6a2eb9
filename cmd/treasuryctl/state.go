package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"d2dtreasury/core/state"
	"d2dtreasury/native/treasury"
	"d2dtreasury/storage"
)

func runInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	backend := fs.String("backend", storage.BackendLevelDB, "storage backend (leveldb or bolt)")
	path := fs.String("path", "data/treasury", "state directory or file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	db, err := storage.Open(*backend, *path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := state.EnsureStateVersion(db, false); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	engine := treasury.NewEngine(state.NewStore(db), treasury.DefaultParams())
	health, err := engine.Health(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	custody, err := engine.Custody(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	positions, err := engine.Positions(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	requests, err := engine.DeployRequests(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	byStatus := make(map[string]int)
	for _, r := range requests {
		byStatus[r.Status.String()]++
	}
	report := struct {
		Health      treasury.ProtocolHealth `json:"health"`
		Custody     treasury.Custody        `json:"custody"`
		Positions   int                     `json:"positions"`
		Deployments map[string]int          `json:"deployments"`
	}{health, custody, len(positions), byStatus}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	backend := fs.String("backend", storage.BackendLevelDB, "storage backend (leveldb or bolt)")
	path := fs.String("path", "data/treasury", "state directory or file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	db, err := storage.Open(*backend, *path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()
	report, err := state.Migrate(db)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "migrated from version %d to %d, %d records rewritten\n", report.Previous, state.StateVersion, report.Rewritten)
	return 0
}
