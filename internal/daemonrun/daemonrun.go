// Package daemonrun registers the daemon's foreground-run flags once and
// wires them into internal/daemon.Run, so that "kickerd" and "kicker
// daemon run" expose exactly the same option set — test_daemon_option_parity
// in the original_source test suite asserts this parity, and sharing one
// registration function is how this module keeps it from drifting.
package daemonrun

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/smprather/kicker/internal/config"
	"github.com/smprather/kicker/internal/daemon"
	"github.com/smprather/kicker/internal/history"
	"github.com/smprather/kicker/internal/logging"
	"github.com/smprather/kicker/internal/logsink"
	"github.com/smprather/kicker/internal/paths"
	"github.com/smprather/kicker/internal/runtimestate"
)

// Flags holds the parsed values of the flags Register adds to fs.
type Flags struct {
	LogFormat         *string
	PollInterval      *float64
	LeaseSeconds      *float64
	LeaseGraceSeconds *float64
	Quiet             *bool
	Verbose           *bool
}

// Register adds the daemon's foreground-run flags to fs.
func Register(fs *flag.FlagSet) *Flags {
	return &Flags{
		LogFormat:         fs.String("log-format", "plain-text", "log format for daemon check/action logs: plain-text or json"),
		PollInterval:      fs.Float64("poll-interval", 0, "override the configured default poll interval, in seconds"),
		LeaseSeconds:      fs.Float64("lease-seconds", 0, "override the leader lease duration, in seconds"),
		LeaseGraceSeconds: fs.Float64("lease-grace-seconds", 10.0, "grace period after lease expiry before takeover is allowed"),
		Quiet:             fs.Bool("quiet", false, "suppress the final status message on a clean exit"),
		Verbose:           fs.Bool("verbose", false, "print a status line for every rule the scheduler evaluates"),
	}
}

// Run builds daemon.Options from f against the real filesystem, clock, and
// process, then executes the scheduling loop until ctx is cancelled.
func Run(ctx context.Context, f *Flags) (daemon.Result, error) {
	var sinkFormat logsink.Format
	switch *f.LogFormat {
	case "json":
		sinkFormat = logsink.FormatJSON
	case "plain-text":
		sinkFormat = logsink.FormatPlainText
	default:
		return daemon.Result{}, fmt.Errorf("unknown --log-format %q: expected plain-text or json", *f.LogFormat)
	}

	logger := logging.NewLogger(*f.LogFormat, "info", os.Stderr)

	historyDB, err := history.Open(paths.HistoryDBFile())
	if err != nil {
		logger.Warn("failed to open execution history database; continuing without it", "error", err)
		historyDB = nil
	}
	if historyDB != nil {
		defer historyDB.Close()
	}

	opt := daemon.Options{
		LogFormat:         sinkFormat,
		LeaseGraceSeconds: *f.LeaseGraceSeconds,

		ConfigStore:    config.NewStore(paths.ConfigFile()),
		RuntimeStore:   runtimestate.NewStore(paths.RuntimeStateFile()),
		HistoryDB:      historyDB,
		StateDir:       paths.StateDir(),
		ChecksLogPath:  paths.ChecksLogFile(),
		ActionsLogPath: paths.ActionsLogFile(),
		ScriptsRoot:    paths.ScriptsDir(),
		CommandCwd:     paths.StateDir(),

		Now:    now,
		Sleep:  time.Sleep,
		Host:   os.Hostname,
		PID:    os.Getpid,
		Logger: logger,
	}
	if *f.Verbose {
		opt.Status = func(line string) { fmt.Println(line) }
	}
	if *f.PollInterval > 0 {
		opt.DefaultPollInterval = f.PollInterval
	}
	if *f.LeaseSeconds > 0 {
		opt.LeaseSeconds = f.LeaseSeconds
	}

	return daemon.Run(ctx, opt)
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
