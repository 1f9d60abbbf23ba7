package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/loomkit/loom/eval"
	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/telemetry"
)

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	storeF := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fault.New(fault.KindUsage, "usage: loom eval <cases-path>")
	}

	cases, err := eval.LoadCases(fs.Arg(0))
	if err != nil {
		return err
	}

	st, cleanup, err := storeF.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runner := eval.NewRunner(eval.Options{
		Workflows: workflows(),
		Store:     st,
		Log:       telemetry.NewClueLogger(),
	})
	report, err := runner.Run(ctx, cases)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range report.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%s  %s  (%s)\n", status, res.Name, res.Duration.Round(time.Millisecond))
		for _, f := range res.Failures {
			fmt.Printf("      %s\n", f)
		}
	}
	log.Printf(ctx, "%d/%d cases passed", len(report.Results)-failed, len(report.Results))
	if failed > 0 {
		return fault.New(fault.KindUsage, "%d evaluation case(s) failed", failed)
	}
	return nil
}
