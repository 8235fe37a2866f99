// cmd/kicker/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/smprather/kicker/internal/config"
	"github.com/smprather/kicker/internal/control"
	"github.com/smprather/kicker/internal/daemonrun"
	"github.com/smprather/kicker/internal/history"
	"github.com/smprather/kicker/internal/lease"
	"github.com/smprather/kicker/internal/model"
	"github.com/smprather/kicker/internal/paths"
	"github.com/smprather/kicker/internal/ratelimit"
	"github.com/smprather/kicker/internal/runtimestate"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "add":
		err = cmdAdd(args)
	case "list":
		err = cmdList()
	case "remove":
		err = cmdRemove(args)
	case "daemon":
		err = cmdDaemon(args)
	case "stats":
		err = cmdStats()
	case "history":
		err = cmdHistory(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kicker - rule-polling action supervisor

Usage: kicker <command> [options]

Commands:
  add <action> (--if <cmd> | --if-zero <cmd> | --if-pass <cmd> | --if-fail <cmd> |
                --if-fail-to-pass <cmd> | --if-pass-to-fail <cmd> |
                --if-code N --check <cmd>) [--interval S] [--rate-limit N/S]
                [--timeout S] [--once]
  list                     List configured rules
  remove <id>              Remove a rule by id
  daemon run [flags]       Run the daemon loop in the foreground
  daemon stop [--force] [--quiet]
  daemon status            Report whether the active daemon is this host's
  stats                    Per-rule action-execution counts
  history [--rule N] [--phase check|action] [--limit N]  Execution history`)
}

func configStore() *config.Store {
	return config.NewStore(paths.ConfigFile())
}

func cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	ifZero := fs.String("if", "", "fire when the check exits zero")
	fs.StringVar(ifZero, "if-zero", "", "alias of --if")
	fs.StringVar(ifZero, "if-pass", "", "alias of --if")
	ifNonzero := fs.String("if-fail", "", "fire when the check exits nonzero")
	ifFailToPass := fs.String("if-fail-to-pass", "", "fire on a nonzero-to-zero transition")
	ifPassToFail := fs.String("if-pass-to-fail", "", "fire on a zero-to-nonzero transition")
	ifCode := fs.Int("if-code", 0, "fire when the check exits this code (requires --check)")
	checkCmd := fs.String("check", "", "check command for --if-code")
	interval := fs.Float64("interval", 0, "poll interval override, in seconds")
	rateLimit := fs.String("rate-limit", "", "rate limit as count/seconds, e.g. 3/60")
	timeout := fs.Float64("timeout", 0, "per-invocation timeout override, in seconds")
	once := fs.Bool("once", false, "remove the rule after its first successful action execution")
	// Flags may follow the positional action ("add <action> --if <cmd>"),
	// so parsing resumes after each positional argument.
	var positional []string
	for rest := args; ; {
		if err := fs.Parse(rest); err != nil {
			return err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		rest = rest[1:]
	}
	if len(positional) < 1 {
		return fmt.Errorf("usage: kicker add <action> (--if <cmd> | ...)")
	}
	action := positional[0]

	visited := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { visited[f.Name] = true })

	var mode model.TriggerMode
	var check string
	var triggerCode *int
	matches := 0

	if visited["if"] {
		matches++
		mode, check = model.TriggerOnZero, *ifZero
	}
	if visited["if-zero"] {
		matches++
		mode, check = model.TriggerOnZero, *ifZero
	}
	if visited["if-pass"] {
		matches++
		mode, check = model.TriggerOnZero, *ifZero
	}
	if visited["if-fail"] {
		matches++
		mode, check = model.TriggerOnNonzero, *ifNonzero
	}
	if visited["if-fail-to-pass"] {
		matches++
		mode, check = model.TriggerOnTransitionFailToPass, *ifFailToPass
	}
	if visited["if-pass-to-fail"] {
		matches++
		mode, check = model.TriggerOnTransitionPassToFail, *ifPassToFail
	}
	if visited["if-code"] {
		matches++
		mode = model.TriggerOnCodeN
		code := *ifCode
		triggerCode = &code
	}

	if matches != 1 {
		return fmt.Errorf("exactly one trigger flag must be given")
	}

	if mode == model.TriggerOnCodeN {
		if *checkCmd == "" {
			return fmt.Errorf("--check is required with --if-code")
		}
		check = *checkCmd
	}

	store := configStore()
	cfg, err := store.Load()
	if err != nil {
		return err
	}

	rule := model.Rule{
		ID:          cfg.NextRuleID(),
		Check:       check,
		Action:      action,
		TriggerMode: mode,
		TriggerCode: triggerCode,
		Once:        *once,
	}
	if *interval > 0 {
		rule.PollIntervalSeconds = interval
	}
	if *timeout > 0 {
		rule.TimeoutSeconds = timeout
	}
	if *rateLimit != "" {
		count, window, err := ratelimit.ParseRateLimit(*rateLimit)
		if err != nil {
			return err
		}
		rule.RateLimitCount = &count
		rule.RateLimitSeconds = &window
	}

	if err := rule.Validate(); err != nil {
		return err
	}
	if err := store.AddRule(rule); err != nil {
		return err
	}

	fmt.Printf("Added rule #%d\n", rule.ID)
	return nil
}

func cmdList() error {
	cfg, err := configStore().Load()
	if err != nil {
		return err
	}
	if len(cfg.Rules) == 0 {
		fmt.Println("No rules configured.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHECK\tACTION\tTRIGGER\tONCE")
	for _, r := range cfg.Rules {
		trigger := string(r.TriggerMode)
		if r.TriggerMode == model.TriggerOnCodeN && r.TriggerCode != nil {
			trigger = fmt.Sprintf("%s(%d)", trigger, *r.TriggerCode)
		}
		fmt.Fprintf(tw, "#%d\t%s\t%s\t%s\t%s\n", r.ID, r.Check, r.Action, trigger, boolYesNo(r.Once))
	}
	return tw.Flush()
}

func cmdRemove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kicker remove <id>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid rule id %q", args[0])
	}

	removed, err := configStore().RemoveRule(id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no such rule: #%d", id)
	}
	fmt.Printf("Removed rule #%d\n", id)
	return nil
}

func cmdDaemon(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kicker daemon <run|stop|status>")
	}
	switch args[0] {
	case "run":
		return cmdDaemonRun(args[1:])
	case "stop":
		return cmdDaemonStop(args[1:])
	case "status":
		return cmdDaemonStatus()
	default:
		return fmt.Errorf("unknown daemon subcommand: %s", args[0])
	}
}

func cmdDaemonRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	flags := daemonrun.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	result, err := daemonrun.Run(ctx, flags)
	if err != nil {
		return err
	}
	if result.Message != "" && !(*flags.Quiet && result.ExitCode == 0) {
		fmt.Println(result.Message)
	}
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

func cmdDaemonStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	force := fs.Bool("force", false, "escalate to SIGKILL if the daemon does not stop after SIGTERM")
	quiet := fs.Bool("quiet", false, "return success when no daemon is running")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := control.Stop(control.Options{
		Force: *force,
		Quiet: *quiet,

		StateDir: paths.StateDir(),

		Now:             realNow,
		Sleep:           time.Sleep,
		Host:            os.Hostname,
		Kill:            control.SyscallKill,
		IsNoSuchProcess: control.IsESRCH,
	})
	if err != nil {
		return err
	}
	if result.Message != "" && !(*quiet && result.ExitCode == 0) {
		fmt.Println(result.Message)
	}
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

func cmdDaemonStatus() error {
	info, err := lease.Load(paths.StateDir())
	if err != nil {
		return fmt.Errorf("reading leader metadata: %w", err)
	}
	if info == nil {
		fmt.Println("host=- pid=- local=false alive=false")
		os.Exit(1)
		return nil
	}

	host, hostErr := os.Hostname()
	local := hostErr == nil && host == info.Hostname
	alive := local && processAlive(info.PID)

	line := fmt.Sprintf("host=%s pid=%d local=%t alive=%t", info.Hostname, info.PID, local, alive)
	if info.LeaseExpiresAt != nil {
		expires := time.Unix(int64(*info.LeaseExpiresAt), 0)
		line += fmt.Sprintf(" lease_expires_at=%.0f (%s)", *info.LeaseExpiresAt, humanize.Time(expires))
	}
	fmt.Println(line)

	if !(local && alive) {
		os.Exit(1)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := control.SyscallKill(pid, 0)
	if err == nil {
		return true
	}
	return !control.IsESRCH(err)
}

func realNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

const retention24h = 86400.0

func cmdStats() error {
	state, err := runtimestate.NewStore(paths.RuntimeStateFile()).Load()
	if err != nil {
		return err
	}

	ids := make([]int, 0, len(state.Rules))
	for id := range state.Rules {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "rule_id\taction_executions\taction_executions_24h")
	now := realNow()
	for _, id := range ids {
		rs := state.Rules[id]
		count24h := 0
		for _, ts := range rs.ActionTimestamps24h {
			if (now - ts) < retention24h {
				count24h++
			}
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\n", id, rs.ActionExecutions, count24h)
	}
	return tw.Flush()
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	ruleID := fs.Int("rule", 0, "filter by rule id")
	phase := fs.String("phase", "", "filter by phase: check or action")
	limit := fs.Int("limit", 50, "max records to return")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *phase != "" && *phase != "check" && *phase != "action" {
		return fmt.Errorf("invalid --phase %q: must be check or action", *phase)
	}

	db, err := history.Open(paths.HistoryDBFile())
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.GetHistory(*ruleID, *phase, *limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No execution history found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tPHASE\tRC\tSTARTED\tAGO\tOUTPUT")
	for _, r := range records {
		fmt.Fprintf(tw, "#%d\t%s\t%d\t%s\t%s\t%s\n",
			r.RuleID, r.Phase, r.ReturnCode,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			humanize.Time(r.StartedAt),
			truncate(strings.ReplaceAll(r.Output, "\n", " "), 40))
	}
	return tw.Flush()
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func boolYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
