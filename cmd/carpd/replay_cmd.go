package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/carp/pkg/replay"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// runReplayCmd compares a recorded event log against a replay manifest.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	against := fs.String("against", "", "path to a JSON array of trace events")
	verbose := fs.Bool("v", false, "print every difference")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	// Flag parsing stops at the first positional argument, so re-parse the
	// remainder to pick up flags given after the manifest path.
	manifestPath := ""
	if fs.NArg() > 0 {
		manifestPath = fs.Arg(0)
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return exitUsage
		}
	}
	if manifestPath == "" || fs.NArg() != 0 || *against == "" {
		fmt.Fprintln(stderr, "Usage: carpd replay <manifest.json> --against <events.json>")
		return exitUsage
	}

	manifest, err := replay.LoadManifest(manifestPath)
	if err != nil {
		fmt.Fprintf(stderr, "load manifest: %v\n", err)
		return exitError
	}

	events, err := loadEvents(*against)
	if err != nil {
		fmt.Fprintf(stderr, "load events: %v\n", err)
		return exitError
	}

	result, err := replay.New().CompareManifest(manifest, events)
	if err != nil {
		fmt.Fprintf(stderr, "compare: %v\n", err)
		return exitError
	}

	if result.Success {
		fmt.Fprintf(stdout, "replay OK: %d/%d events matched (trace %s)\n",
			result.MatchedEvents, result.ExpectedCount, result.TraceID)
		return exitOK
	}

	fmt.Fprintf(stdout, "replay FAILED: %d difference(s), matched %d/%d events\n",
		len(result.Differences), result.MatchedEvents, result.ExpectedCount)
	limit := 10
	if *verbose {
		limit = len(result.Differences)
	}
	for i, d := range result.Differences {
		if i >= limit {
			fmt.Fprintf(stdout, "  ... and %d more (use -v)\n", len(result.Differences)-limit)
			break
		}
		fmt.Fprintf(stdout, "  [%s] event %d field %s: expected %v, got %v\n",
			d.Severity, d.EventIndex, d.Field, d.Expected, d.Actual)
	}
	return exitValidation
}

func loadEvents(path string) ([]trace.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []trace.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return events, nil
}
