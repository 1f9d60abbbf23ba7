// Command loom serves workflow sessions over HTTP, inspects and replays
// recorded session logs, and runs YAML evaluation cases.
//
// Usage:
//
//	loom serve   [-addr :8080] [-data DIR] [-mongo-uri URI] [-redis ADDR] [-debug]
//	loom replay  <recording-id> [-data DIR] [-mongo-uri URI]
//	loom recordings list|show|delete [args]
//	loom eval    <cases-dir> [-data DIR]
package main

import (
	"context"
	"fmt"
	"os"

	"goa.design/clue/log"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "replay":
		err = runReplay(ctx, os.Args[2:])
	case "recordings":
		err = runRecordings(ctx, os.Args[2:])
	case "eval":
		err = runEval(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Errorf(ctx, err, "%s failed", os.Args[1])
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `loom - agent session kernel

Commands:
  serve       Start the HTTP session server
  replay      Print a recorded signal log
  recordings  List, show, or delete recordings
  eval        Run YAML evaluation cases

Run "loom <command> -h" for command flags.
`)
}
