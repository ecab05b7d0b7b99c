package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/sshcron/internal/cronctl"
	"github.com/edvin/sshcron/internal/model"
)

func defaultAPI() string {
	if v := os.Getenv("SSHCRON_API"); v != "" {
		return v
	}
	return "http://localhost:8090"
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	apiURL := fs.String("api", defaultAPI(), "sshcron API base URL")

	switch os.Args[1] {
	case "apply":
		file := fs.String("f", "", "Path to seed YAML file (required)")
		fs.Parse(os.Args[2:])

		if *file == "" {
			fmt.Fprintln(os.Stderr, "Error: -f flag is required")
			fs.Usage()
			os.Exit(1)
		}

		res, err := cronctl.NewClient(*apiURL).ApplyFile(ctx, *file, os.Stdout)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Created %d nodes and %d jobs, skipped %d nodes\n", res.Nodes, res.Jobs, len(res.SkippedNodes))

	case "run":
		follow := fs.Bool("follow", false, "Stream the execution's output until it finishes")
		fs.Parse(os.Args[2:])

		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: sshcronctl run [-api URL] [-follow] <job-id>")
			os.Exit(1)
		}

		client := cronctl.NewClient(*apiURL)
		exec, err := client.Run(ctx, fs.Arg(0))
		if err != nil {
			fail(err)
		}
		if !*follow {
			fmt.Println(exec.ID)
			return
		}
		os.Exit(followLogs(ctx, client, exec.ID))

	case "logs":
		fs.Parse(os.Args[2:])

		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: sshcronctl logs [-api URL] <execution-id>")
			os.Exit(1)
		}
		os.Exit(followLogs(ctx, cronctl.NewClient(*apiURL), fs.Arg(0)))

	case "stop":
		fs.Parse(os.Args[2:])

		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: sshcronctl stop [-api URL] <execution-id>")
			os.Exit(1)
		}

		stopped, err := cronctl.NewClient(*apiURL).Stop(ctx, fs.Arg(0))
		if err != nil {
			fail(err)
		}
		if !stopped {
			fmt.Fprintln(os.Stderr, "Execution is not running")
			os.Exit(1)
		}
		fmt.Println("Stop requested")

	case "history":
		limit := fs.Int("limit", 10, "Number of executions to show")
		fs.Parse(os.Args[2:])

		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: sshcronctl history [-api URL] [-limit N] <job-id>")
			os.Exit(1)
		}

		execs, err := cronctl.NewClient(*apiURL).History(ctx, fs.Arg(0), *limit)
		if err != nil {
			fail(err)
		}
		cronctl.PrintHistory(os.Stdout, execs)

	case "next":
		count := fs.Int("count", 5, "Number of fire times to show")
		fs.Parse(os.Args[2:])

		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: sshcronctl next [-api URL] [-count N] <cron-expression>")
			os.Exit(1)
		}

		times, err := cronctl.NewClient(*apiURL).NextRuns(ctx, fs.Arg(0), *count)
		if err != nil {
			fail(err)
		}
		for _, t := range times {
			fmt.Println(t.Format(time.RFC3339))
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// followLogs streams an execution and returns the process exit code: 0 on
// success, 1 otherwise.
func followLogs(ctx context.Context, client *cronctl.Client, executionID string) int {
	final, err := client.Follow(ctx, executionID, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if final.Status != model.StatusSuccess {
		fmt.Fprintf(os.Stderr, "Execution %s\n", final.Status)
		return 1
	}
	return 0
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  sshcronctl apply -f <seed.yaml>
  sshcronctl run [-follow] <job-id>
  sshcronctl logs <execution-id>
  sshcronctl stop <execution-id>
  sshcronctl history [-limit N] <job-id>
  sshcronctl next [-count N] <cron-expression>

Commands:
  apply     Create the nodes and jobs described in a seed file
  run       Trigger a job now, optionally streaming its output
  logs      Stream an execution's output until it finishes
  stop      Cancel a running execution
  history   List a job's recent executions
  next      Preview upcoming fire times of a cron expression

Flags:
  -api string   sshcron API base URL (default: $SSHCRON_API or http://localhost:8090)`)
}
