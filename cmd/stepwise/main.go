package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hmori/stepwise/internal/daemon"
	"github.com/hmori/stepwise/internal/engine"
	"github.com/hmori/stepwise/internal/executor"
	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/setup"
	"github.com/hmori/stepwise/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("stepwise %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	name := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
				fmt.Fprintln(os.Stderr, "usage: stepwise init [dir] [--name <project>]")
				os.Exit(1)
			}
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", setup.Dir(dir))
}

func runServe(_ []string) {
	stepwiseDir := findStepwiseDir()
	if stepwiseDir == "" {
		fmt.Fprintln(os.Stderr, "error: .stepwise/ directory not found. Run 'stepwise init' first.")
		os.Exit(1)
	}

	cfg, err := setup.LoadConfig(filepath.Dir(stepwiseDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(stepwiseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runShutdown(_ []string) {
	if err := dialDaemon().Call("shutdown", nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("daemon shutting down")
}

func runPlan(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: stepwise plan <create|list|show|execute|cancel|rollback|delete> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		runPlanCreate(args[1:])
	case "list":
		runPlanList(args[1:])
	case "show":
		runPlanShow(args[1:])
	case "execute":
		runPlanExecute(args[1:])
	case "cancel":
		runPlanCancel(args[1:])
	case "rollback":
		runPlanRollback(args[1:])
	case "delete":
		runPlanDelete(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown plan subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: stepwise plan <create|list|show|execute|cancel|rollback|delete> [options]")
		os.Exit(1)
	}
}

func runPlanCreate(args []string) {
	var goal string
	force := false
	asJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--goal":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--goal requires a value")
				os.Exit(1)
			}
			i++
			goal = args[i]
		case "--force-planning":
			force = true
		case "--json":
			asJSON = true
		default:
			// Bare words form the goal, so quoting the whole sentence is
			// optional: stepwise plan create set up a web server
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
				os.Exit(1)
			}
			if goal != "" {
				goal += " "
			}
			goal += args[i]
		}
	}

	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: stepwise plan create --goal <text> [--force-planning] [--json]")
		os.Exit(1)
	}

	var plan model.ExecutionPlan
	mustCall("plan.create", map[string]any{
		"goal":           goal,
		"force_planning": force,
	}, &plan)

	if asJSON {
		printJSON(plan)
		return
	}
	fmt.Printf("plan %s created (%d steps)\n", plan.ID, len(plan.Steps))
	if plan.FallbackReason != "" {
		fmt.Printf("  note: fell back to a single-step plan: %s\n", plan.FallbackReason)
	}
	printSteps(&plan)
}

func runPlanList(args []string) {
	asJSON := hasFlag(args, "--json")

	var data struct {
		Plans []engine.PlanListing `json:"plans"`
	}
	mustCall("plan.list", nil, &data)

	if asJSON {
		printJSON(data.Plans)
		return
	}
	if len(data.Plans) == 0 {
		fmt.Println("no plans")
		return
	}
	fmt.Printf("%-22s %-12s %6s %9s  %s\n", "ID", "STATUS", "STEPS", "PROGRESS", "GOAL")
	for _, p := range data.Plans {
		fmt.Printf("%-22s %-12s %6d %8.0f%%  %s\n", p.ID, p.Status, p.Steps, p.Percent, p.Goal)
	}
}

func runPlanShow(args []string) {
	id, asJSON := planIDArgs(args, "show")

	var plan model.ExecutionPlan
	mustCall("plan.get", map[string]string{"plan_id": id}, &plan)

	if asJSON {
		printJSON(plan)
		return
	}
	fmt.Printf("plan %s [%s]\n", plan.ID, plan.Status)
	fmt.Printf("  goal: %s\n", plan.Goal)
	fmt.Printf("  created: %s\n", plan.CreatedAt.Format(time.RFC3339))
	if plan.FailureReason != "" {
		fmt.Printf("  failure: %s\n", plan.FailureReason)
	}
	if plan.Cancel.Requested {
		fmt.Printf("  cancel requested: %s\n", plan.Cancel.Reason)
	}
	printSteps(&plan)
}

func runPlanExecute(args []string) {
	id, asJSON := planIDArgs(args, "execute")

	var summary executor.Summary
	mustCall("plan.execute", map[string]string{"plan_id": id}, &summary)

	if asJSON {
		printJSON(summary)
		return
	}
	fmt.Printf("plan %s finished: %s (%d completed, %d failed, %d skipped, %dms)\n",
		summary.PlanID, summary.Status, summary.Completed, summary.Failed,
		summary.Skipped, summary.DurationMS)
	if summary.FailureReason != "" {
		fmt.Printf("  failure: %s\n", summary.FailureReason)
	}
	for _, o := range summary.Outcomes {
		fmt.Printf("  %-10s %s  %s\n", o.Status, o.StepID, o.Description)
	}
	if summary.Status != model.PlanCompleted {
		os.Exit(1)
	}
}

func runPlanCancel(args []string) {
	var id, reason string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan-id":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan-id requires a value")
				os.Exit(1)
			}
			i++
			id = args[i]
		case "--reason":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--reason requires a value")
				os.Exit(1)
			}
			i++
			reason = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: stepwise plan cancel --plan-id <id> [--reason <text>]")
			os.Exit(1)
		}
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: stepwise plan cancel --plan-id <id> [--reason <text>]")
		os.Exit(1)
	}

	var data struct {
		CancelRequested bool `json:"cancel_requested"`
	}
	mustCall("plan.cancel", map[string]string{"plan_id": id, "reason": reason}, &data)
	if data.CancelRequested {
		fmt.Printf("cancellation requested for %s\n", id)
	} else {
		fmt.Printf("plan %s is already finished; nothing to cancel\n", id)
	}
}

func runPlanRollback(args []string) {
	id, asJSON := planIDArgs(args, "rollback")

	var summary executor.RollbackSummary
	mustCall("plan.rollback", map[string]string{"plan_id": id}, &summary)

	if asJSON {
		printJSON(summary)
		return
	}
	fmt.Printf("plan %s rolled back: %d reversed, %d not reversible, %d failed\n",
		summary.PlanID, summary.Reversed, summary.NotReversible, summary.Failed)
	for _, o := range summary.Outcomes {
		line := fmt.Sprintf("  %-15s %s", o.Outcome, o.StepID)
		if o.Error != "" {
			line += "  (" + o.Error + ")"
		}
		fmt.Println(line)
	}
}

func runPlanDelete(args []string) {
	id, _ := planIDArgs(args, "delete")

	mustCall("plan.delete", map[string]string{"plan_id": id}, nil)
	fmt.Printf("deleted plan %s\n", id)
}

// planIDArgs parses the common --plan-id/--json pair. A bare argument is
// accepted as the plan id.
func planIDArgs(args []string, sub string) (string, bool) {
	var id string
	asJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan-id":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan-id requires a value")
				os.Exit(1)
			}
			i++
			id = args[i]
		case "--json":
			asJSON = true
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
				os.Exit(1)
			}
			id = args[i]
		}
	}
	if id == "" {
		fmt.Fprintf(os.Stderr, "usage: stepwise plan %s --plan-id <id> [--json]\n", sub)
		os.Exit(1)
	}
	return id, asJSON
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func printSteps(plan *model.ExecutionPlan) {
	for i, s := range plan.Steps {
		fmt.Printf("  %2d. [%s] %s\n", i+1, s.Status, s.Description)
		if s.Command != "" {
			fmt.Printf("      $ %s\n", s.Command)
		}
		if len(s.Dependencies) > 0 {
			fmt.Printf("      after: %s\n", strings.Join(s.Dependencies, ", "))
		}
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func dialDaemon() *uds.Client {
	stepwiseDir := findStepwiseDir()
	if stepwiseDir == "" {
		fmt.Fprintln(os.Stderr, "error: .stepwise/ directory not found. Run 'stepwise init' first.")
		os.Exit(1)
	}
	client := uds.NewClient(filepath.Join(stepwiseDir, uds.DefaultSocketName))
	// plan.execute holds the connection for the whole run; never time out
	// waiting for the response.
	client.SetCallTimeout(0)
	return client
}

// mustCall sends a command and exits on transport or application error.
func mustCall(command string, params, out any) {
	if err := dialDaemon().Call(command, params, out); err != nil {
		var ce *uds.CommandError
		if errors.As(err, &ce) {
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", ce.Code, ce.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

// findStepwiseDir walks up from the working directory to the nearest
// .stepwise directory.
func findStepwiseDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".stepwise")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `stepwise %s - goal planning and execution engine

Usage: stepwise <command> [options]

Project:
  init [dir] [--name <project>]   Initialize .stepwise/ directory
  serve                           Run the daemon (foreground)
  shutdown                        Stop a running daemon

Plans (sent to the daemon):
  plan create --goal <text> [--force-planning] [--json]
  plan list [--json]
  plan show --plan-id <id> [--json]
  plan execute --plan-id <id> [--json]
  plan cancel --plan-id <id> [--reason <text>]
  plan rollback --plan-id <id> [--json]
  plan delete --plan-id <id>

Utilities:
  version           Show version
  help              Show this help

`, version)
}
