// Command fleetctl inspects and operates a running fleetmesh server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/client"
	"github.com/fleetmesh/fleetmesh/utils/env"
)

const usageText = `Usage: fleetctl <command> [flags]

Commands:
  status                 show per-provider health
  usage                  show spend since the start of the month
  learn                  show the full learned capability matrix
  why <task_type>        show learned provider rankings for a task type
  reset [provider]       clear health state for one provider, or all
  feedback               record a quality note (-task, -note, -severity)
  dispatch               send one request (-task, -prompt, -tier)

The server address comes from FLEETMESH_URL (default http://localhost:8080)
and the bearer token from FLEETMESH_API_KEY.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	fleetClient, err := client.NewClient(client.Config{
		BaseURL: env.OptionalStringVariable("FLEETMESH_URL", "http://localhost:8080"),
		APIKey:  env.OptionalStringVariable("FLEETMESH_API_KEY", ""),
	})
	if err != nil {
		fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "status":
		runStatus(ctx, fleetClient)
	case "usage":
		runUsage(ctx, fleetClient)
	case "learn":
		runLearn(ctx, fleetClient)
	case "why":
		if len(os.Args) < 3 {
			fatalf("usage: fleetctl why <task_type>")
		}
		runWhy(ctx, fleetClient, os.Args[2])
	case "reset":
		runReset(ctx, fleetClient, os.Args[2:])
	case "feedback":
		runFeedback(ctx, fleetClient, os.Args[2:])
	case "dispatch":
		runDispatch(ctx, fleetClient, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fatalf("unknown command: %s", os.Args[1])
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runStatus(ctx context.Context, fleetClient *client.Client) {
	report, err := fleetClient.Health(ctx)
	if err != nil {
		fatalf("failed to fetch health: %v", err)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "PROVIDER\tREQUESTS\tSUCCESS RATE\tSTREAK\tBLACKLISTED UNTIL")
	for _, record := range report.Providers {
		blacklisted := "-"
		if record.Blacklisted(time.Now()) {
			blacklisted = record.BlacklistedUntil.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%d\t%.1f%%\t%d\t%s\n",
			record.Provider,
			record.TotalRequests,
			record.SuccessRate()*100,
			record.ConsecutiveFailures,
			blacklisted)
	}
	writer.Flush()
}

func runUsage(ctx context.Context, fleetClient *client.Client) {
	usage, err := fleetClient.Usage(ctx, time.Time{})
	if err != nil {
		fatalf("failed to fetch usage: %v", err)
	}

	fmt.Printf("Requests:   %d\n", usage.Requests)
	fmt.Printf("Spend:      $%.4f\n", usage.TotalCost)
	fmt.Printf("Units in:   %d\n", usage.TotalUnitsIn)
	fmt.Printf("Units out:  %d\n", usage.TotalUnitsOut)
	fmt.Printf("Free share: %.1f%%\n", usage.FreeShare*100)

	if len(usage.ByProvider) > 0 {
		fmt.Println("\nBy provider:")
		names := make([]string, 0, len(usage.ByProvider))
		for name := range usage.ByProvider {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-20s $%.4f\n", name, usage.ByProvider[name])
		}
	}
}

func runLearn(ctx context.Context, fleetClient *client.Client) {
	report, err := fleetClient.Capabilities(ctx)
	if err != nil {
		fatalf("failed to fetch capabilities: %v", err)
	}
	if len(report.Cells) == 0 {
		fmt.Println("no capability samples recorded yet")
		return
	}

	cells := report.Cells
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].TaskType != cells[j].TaskType {
			return cells[i].TaskType < cells[j].TaskType
		}
		return cells[i].SuccessRate() > cells[j].SuccessRate()
	})

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "TASK TYPE\tPROVIDER\tSAMPLES\tSUCCESS RATE\tAVG LATENCY")
	for _, cell := range cells {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%.1f%%\t%s\n",
			cell.TaskType, cell.Provider, cell.Samples,
			cell.SuccessRate()*100, cell.AvgLatency.Round(time.Millisecond))
	}
	writer.Flush()
}

func runWhy(ctx context.Context, fleetClient *client.Client, taskType string) {
	report, err := fleetClient.Capabilities(ctx)
	if err != nil {
		fatalf("failed to fetch capabilities: %v", err)
	}

	cells := make([]fleetmesh.CapabilityRecord, 0, len(report.Cells))
	for _, cell := range report.Cells {
		if cell.TaskType == taskType {
			cells = append(cells, cell)
		}
	}
	if len(cells) == 0 {
		fmt.Printf("no samples recorded for task type %q yet\n", taskType)
		return
	}

	sort.Slice(cells, func(i, j int) bool {
		ri, rj := cells[i].SuccessRate(), cells[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return cells[i].AvgLatency < cells[j].AvgLatency
	})

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "PROVIDER\tSAMPLES\tSUCCESS RATE\tAVG LATENCY")
	for _, cell := range cells {
		fmt.Fprintf(writer, "%s\t%d\t%.1f%%\t%s\n",
			cell.Provider, cell.Samples, cell.SuccessRate()*100, cell.AvgLatency.Round(time.Millisecond))
	}
	writer.Flush()
}

func runReset(ctx context.Context, fleetClient *client.Client, args []string) {
	if len(args) == 0 {
		if err := fleetClient.ResetAllHealth(ctx); err != nil {
			fatalf("failed to reset health: %v", err)
		}
		fmt.Println("health state cleared for all providers")
		return
	}

	if err := fleetClient.ResetHealth(ctx, args[0]); err != nil {
		fatalf("failed to reset health for %s: %v", args[0], err)
	}
	fmt.Printf("health state cleared for %s\n", args[0])
}

func runFeedback(ctx context.Context, fleetClient *client.Client, args []string) {
	flags := flag.NewFlagSet("feedback", flag.ExitOnError)
	taskType := flags.String("task", "", "task type the note applies to")
	note := flags.String("note", "", "what went wrong")
	severity := flags.Int("severity", 3, "1 (mild) to 5 (worst)")
	sampleID := flags.String("sample", "", "optional sample identifier")
	flags.Parse(args)

	record, err := fleetClient.Feedback(ctx, *taskType, *note, *severity, *sampleID)
	if err != nil {
		fatalf("failed to record feedback: %v", err)
	}
	fmt.Printf("recorded feedback %s\n", record.ID)
}

func runDispatch(ctx context.Context, fleetClient *client.Client, args []string) {
	flags := flag.NewFlagSet("dispatch", flag.ExitOnError)
	taskType := flags.String("task", "general", "task type")
	prompt := flags.String("prompt", "", "prompt to dispatch")
	tier := flags.String("tier", "", "preferred starting tier")
	flags.Parse(args)

	if *prompt == "" {
		fatalf("usage: fleetctl dispatch -prompt <text> [-task <type>] [-tier <tier>]")
	}

	result, err := fleetClient.Dispatch(ctx, &fleetmesh.Request{
		Prompt:         *prompt,
		TaskType:       *taskType,
		TierPreference: fleetmesh.Tier(*tier),
	})
	if err != nil {
		fatalf("dispatch failed: %v", err)
	}

	origin := result.Provider
	if result.Cached {
		origin += " (cached)"
	}
	fmt.Printf("[%s, tier %s, %dms]\n", origin, result.Tier, result.LatencyMs)

	switch result.Response.Kind {
	case fleetmesh.ResponseToolCall:
		fmt.Printf("tool call: %s %s\n", result.Response.ToolCall.Name, result.Response.ToolCall.Arguments)
	default:
		fmt.Println(result.Response.Text)
	}
}
