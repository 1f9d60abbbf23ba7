package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/store"
)

func runReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	storeF := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fault.New(fault.KindUsage, "usage: loom replay <recording-id>")
	}

	st, cleanup, err := storeF.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := st.Load(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, sig := range rec.Signals {
		if err := enc.Encode(sig); err != nil {
			return err
		}
	}
	return nil
}

func runRecordings(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fault.New(fault.KindUsage, "usage: loom recordings list|show|delete [args]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("recordings "+sub, flag.ContinueOnError)
	name := fs.String("name", "", "filter by recording name (list)")
	provider := fs.String("provider", "", "filter by provider type (list)")
	tags := fs.String("tags", "", "comma-separated tags, all required (list)")
	storeF := addStoreFlags(fs)
	if err := fs.Parse(rest); err != nil {
		return err
	}

	st, cleanup, err := storeF.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	switch sub {
	case "list":
		filter := store.Filter{Name: *name, ProviderType: *provider}
		if *tags != "" {
			filter.Tags = strings.Split(*tags, ",")
		}
		metas, err := st.List(ctx, filter)
		if err != nil {
			return err
		}
		for _, m := range metas {
			fmt.Printf("%s  %-10s  %s  %s\n",
				m.RecordingID, m.Status, m.CreatedAt.Format("2006-01-02T15:04:05Z"), m.Name)
		}
		return nil
	case "show":
		if fs.NArg() != 1 {
			return fault.New(fault.KindUsage, "usage: loom recordings show <recording-id>")
		}
		rec, err := st.Load(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case "delete":
		if fs.NArg() != 1 {
			return fault.New(fault.KindUsage, "usage: loom recordings delete <recording-id>")
		}
		return st.Delete(ctx, fs.Arg(0))
	default:
		return fault.New(fault.KindUsage, "unknown recordings subcommand %q", sub)
	}
}
