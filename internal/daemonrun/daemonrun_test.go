package daemonrun

import (
	"flag"
	"sort"
	"testing"
)

// TestRegisterExposesExpectedFlagSet guards the option-parity invariant
// kickerd and "kicker daemon run" share: both call Register on their own
// flag.FlagSet, so their long-option sets can never drift apart.
func TestRegisterExposesExpectedFlagSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	Register(fs)

	var names []string
	fs.VisitAll(func(f *flag.Flag) { names = append(names, f.Name) })
	sort.Strings(names)

	want := []string{
		"lease-grace-seconds", "lease-seconds", "log-format",
		"poll-interval", "quiet", "verbose",
	}
	sort.Strings(want)

	if len(names) != len(want) {
		t.Fatalf("flag set = %v, want %v", names, want)
	}
	for i, n := range names {
		if n != want[i] {
			t.Fatalf("flag set = %v, want %v", names, want)
		}
	}
}
