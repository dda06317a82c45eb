package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	inputredis "aisiem/internal/input/redis"
	"aisiem/internal/logger"
	"aisiem/internal/normalize"
	"aisiem/internal/output/eventjson"
	"aisiem/internal/rules"
	"aisiem/pkg/models"
)

// runNormalize reads queue messages (one per line) and prints the normalized events.
func runNormalize(args []string) int {
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	input := fs.String("input", "-", "Input file with one queued record per line (- for stdin)")
	output := fs.String("output", "", "Append events to this JSONL file instead of stdout")
	source := fs.String("source", "generic", "Source tag for lines that are not queue envelopes")
	threshold := fs.Int("severity-threshold", 0, "Also print detections for events at or above this severity")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	// Keep stdout clean for the event stream.
	logger.SetOutput(os.Stderr, logger.Warn)

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open input: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	emit, closeOut, err := eventSink(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open output: %v\n", err)
		return 1
	}
	defer closeOut()

	norm := normalize.NewPipeline()
	detector := &rules.ThresholdEngine{MinSeverity: *threshold}
	stderr := json.NewEncoder(os.Stderr)

	events, detections := 0, 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ev := norm.Normalize(inputredis.DecodeRecord([]byte(line), *source, time.Now()))
		if err := emit(ev); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write event: %v\n", err)
			return 1
		}
		events++
		for _, d := range detector.Evaluate(ev) {
			_ = stderr.Encode(d)
			detections++
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read input: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "normalized events=%d detections=%d\n", events, detections)
	return 0
}

func eventSink(path string) (func(*models.NormalizedEvent) error, func(), error) {
	if path == "" {
		enc := json.NewEncoder(os.Stdout)
		return func(ev *models.NormalizedEvent) error { return enc.Encode(ev) }, func() {}, nil
	}
	w, err := eventjson.NewWriter(path)
	if err != nil {
		return nil, nil, err
	}
	emit := func(ev *models.NormalizedEvent) error {
		return w.WriteEvents([]*models.NormalizedEvent{ev})
	}
	return emit, func() { _ = w.Close() }, nil
}

// runIncidents prints incidents from the configured store as JSON lines.
func runIncidents(args []string) int {
	fs := flag.NewFlagSet("incidents", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	status := fs.String("status", "open", "Incident status: open, closed or all")
	limit := fs.Int("limit", 100, "Maximum number of incidents to print (0 for all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var want models.Status
	switch *status {
	case "open":
		want = models.StatusOpen
	case "closed":
		want = models.StatusClosed
	case "all":
	default:
		fmt.Fprintf(os.Stderr, "unknown status %q\n", *status)
		return 2
	}

	cfg, _, err := loadConfig(*configArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger.SetOutput(os.Stderr, logger.Warn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, _, err := openStore(ctx, &cfg.AISIEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open incident store: %v\n", err)
		return 1
	}
	if st == nil {
		fmt.Fprintln(os.Stderr, "store.mode is none, nothing to list")
		return 1
	}
	defer st.Close()

	incs, err := st.ListIncidents(ctx, want, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list incidents: %v\n", err)
		return 1
	}

	w := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(w)
	for _, inc := range incs {
		if err := enc.Encode(inc); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode incident: %v\n", err)
			return 1
		}
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush output: %v\n", err)
		return 1
	}
	return 0
}
