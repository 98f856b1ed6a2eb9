package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "inspect":
		return runInspect(args[1:], stdout, stderr)
	case "migrate":
		return runMigrate(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "genesis-check":
		return runGenesisCheck(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return `Usage: treasuryctl <command> [flags]

Commands:
  keygen         generate an operator key and write it to a keystore
  identity       print identities from a keystore, a seed or the system accounts
  token          mint a bearer token for the treasuryd API
  inspect        print ledger, health and custody from a state directory
  migrate        rewrite treasury state at the current schema version
  export         export the event log as csv, jsonl or parquet
  genesis-check  validate a genesis file and print its roles`
}
