package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"d2dtreasury/integrations/eventlog"
	"d2dtreasury/integrations/exports"
)

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	driver := fs.String("driver", "sqlite", "event log driver (sqlite or postgres)")
	dsn := fs.String("dsn", "data/events.db", "event log DSN")
	format := fs.String("format", "csv", "output format: csv, jsonl or parquet")
	out := fs.String("out", "", "output file (stdout when empty; required for parquet)")
	types := fs.String("types", "", "comma separated event types to include")
	since := fs.Int64("since", 0, "include events at or after this unix time")
	until := fs.Int64("until", 0, "include events at or before this unix time")
	verify := fs.Bool("verify", true, "verify the digest chain before exporting")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	evlog, err := eventlog.Open(*driver, *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer evlog.Close()

	ctx := context.Background()
	if *verify {
		checked, err := evlog.Verify(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "verified %d records\n", checked)
	}

	filter := eventlog.Filter{Since: *since, Until: *until}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Types = append(filter.Types, t)
		}
	}
	records, err := evlog.Query(ctx, filter)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch strings.ToLower(*format) {
	case "parquet":
		if *out == "" {
			fmt.Fprintln(stderr, "Error: --out is required for parquet")
			return 1
		}
		if err := exports.WriteParquet(*out, records); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "wrote %d records to %s\n", len(records), *out)
		return 0
	case "csv", "jsonl":
		var data []byte
		var sum string
		if strings.EqualFold(*format, "csv") {
			data, sum, err = exports.EventsCSV(records)
		} else {
			data, sum, err = exports.EventsJSONL(records)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *out == "" {
			_, _ = stdout.Write(data)
		} else if err := os.WriteFile(*out, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "%d records, checksum %s\n", len(records), sum)
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 1
	}
}
