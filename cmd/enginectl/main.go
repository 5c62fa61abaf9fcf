// Command enginectl is a small CLI for manually exercising the contract
// execution engine against an in-memory or on-disk backend: deploy a
// contract, call it, simulate a read-only call, or just advance an empty
// block. It is not a node — there is no P2P, no RPC server, no mempool —
// only direct, one-shot invocations of the VM Manager, the way a developer
// pokes at go-ethereum's state through its own console.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	if args[0] == "-version" || args[0] == "--version" {
		fmt.Printf("enginectl %s (commit %s)\n", version, commit)
		return 0
	}

	sub, rest := args[0], args[1:]
	var err error
	switch sub {
	case "prepare":
		err = runPrepare(ctx, rest)
	case "deploy":
		err = runDeploy(ctx, rest)
	case "call":
		err = runCall(ctx, rest)
	case "simulate":
		err = runSimulate(ctx, rest)
	case "-h", "-help", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "enginectl: unknown subcommand %q\n", sub)
		printUsage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: enginectl <command> [flags]

commands:
  prepare   advance an empty block and persist its header
  deploy    deploy a contract and persist the resulting block
  call      invoke a deployed contract's method and persist the resulting block
  simulate  run a read-only call against the current chain tip

Run 'enginectl <command> -h' for flags specific to a command.`)
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}
