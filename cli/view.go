package cli

// This file contains the view command for summarizing a dataset snapshot.

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/testprof/model"
	"github.com/perfgo/testprof/snapshot"
)

// Number of failing tests listed by view.
const topFailingTests = 10

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

func parseViewArgs(in []string) (ref string, pprofArgs []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are pprof args
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is "-" followed by only digits (e.g. "-1"), anything
	// else starting with "-" is a pprof flag (e.g. "-top", "-http=:8080")
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	// First arg is the reference, rest are pprof args (with optional "--" removed)
	return in[0], removeFirstDashDash(in[1:])
}

func (a *App) view(ctx *cli.Context) error {
	ref, pprofArgs := parseViewArgs(ctx.Args().Slice())

	cfg, err := a.config(ctx)
	if err != nil {
		return err
	}

	store := snapshot.New(a.logger, cfg.OutputDir)
	entries, err := store.LoadEntries()
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}
	if n, err := strconv.Atoi(ref); err == nil && n > 0 {
		return fmt.Errorf("invalid index: %s (use 0 for the newest, -1 for the one before, etc.)", ref)
	}

	entry, err := snapshot.Find(entries, ref)
	if err != nil {
		return err
	}

	ds, err := store.Load(*entry)
	if err != nil {
		return err
	}
	a.printSummary(entry, ds)

	if len(pprofArgs) == 0 {
		return nil
	}
	return a.runPprof(store.UsagePath(entry.Name), pprofArgs)
}

type statusCount struct {
	Status string
	Runs   int
}

type testCount struct {
	Test string
	Runs int
}

// summary aggregates the run counts of a dataset.
type summary struct {
	// Distinct tests
	Tests int
	// Runs over all tests and statuses
	Runs int
	// Runs per status, most frequent first
	Statuses []statusCount
	// Tests with the most failing runs, most failures first
	TopFailing []testCount
}

// isFailure reports whether a status, with or without its execution mode
// suffix, is a failing one.
func isFailure(status string) bool {
	base := strings.TrimSuffix(status, model.SuffixParallel)
	base = strings.TrimSuffix(base, model.SuffixSequential)
	switch base {
	case model.StatusFail, model.StatusTimeout, model.StatusCrash:
		return true
	}
	return false
}

// lookup returns a string table entry, tolerating ids a damaged file might
// carry.
func lookup(table []string, id int) string {
	if id < 0 || id >= len(table) {
		return "?"
	}
	return table[id]
}

func testName(ds *model.Dataset, testID int) string {
	var dir, name string
	if testID < len(ds.TestInfo.TestPathIDs) {
		dir = lookup(ds.Tables.TestPaths, ds.TestInfo.TestPathIDs[testID])
	}
	if testID < len(ds.TestInfo.TestNameIDs) {
		name = lookup(ds.Tables.TestNames, ds.TestInfo.TestNameIDs[testID])
	}
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func summarize(ds *model.Dataset, top int) summary {
	s := summary{Tests: len(ds.TestRuns)}
	perStatus := make([]int, len(ds.Tables.Statuses))
	var failing []testCount

	for testID, row := range ds.TestRuns {
		failures := 0
		for statusID, g := range row {
			if g == nil || statusID >= len(perStatus) {
				continue
			}
			perStatus[statusID] += g.Len()
			s.Runs += g.Len()
			if isFailure(ds.Tables.Statuses[statusID]) {
				failures += g.Len()
			}
		}
		if failures > 0 {
			failing = append(failing, testCount{Test: testName(ds, testID), Runs: failures})
		}
	}

	for statusID, runs := range perStatus {
		if runs > 0 {
			s.Statuses = append(s.Statuses, statusCount{Status: ds.Tables.Statuses[statusID], Runs: runs})
		}
	}
	sort.SliceStable(s.Statuses, func(i, j int) bool {
		return s.Statuses[i].Runs > s.Statuses[j].Runs
	})

	sort.SliceStable(failing, func(i, j int) bool {
		if failing[i].Runs != failing[j].Runs {
			return failing[i].Runs > failing[j].Runs
		}
		return failing[i].Test < failing[j].Test
	})
	if len(failing) > top {
		failing = failing[:top]
	}
	s.TopFailing = failing
	return s
}

func (a *App) printSummary(entry *snapshot.Entry, ds *model.Dataset) {
	meta := ds.Metadata
	w := a.stdout

	// Print header
	fmt.Fprintf(w, "=== Snapshot: %s ===\n", entry.Name)
	if meta.Date != "" {
		fmt.Fprintf(w, "Date: %s\n", meta.Date)
	}
	if meta.Revision != "" {
		fmt.Fprintf(w, "Revision: %s", meta.Revision)
		if meta.PushID != nil {
			fmt.Fprintf(w, " (push %d)", *meta.PushID)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Generated: %s\n", meta.GeneratedAt)
	if meta.StartTime > 0 {
		fmt.Fprintf(w, "First job: %s\n", time.Unix(meta.StartTime, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Jobs: %d processed of %d\n", meta.ProcessedJobCount, meta.JobCount)
	fmt.Fprintf(w, "File: %s (%s)\n", entry.Path, humanize.Bytes(uint64(entry.Size)))
	fmt.Fprintln(w)

	t := ds.Tables
	fmt.Fprintln(w, "Tables:")
	fmt.Fprintf(w, "  %-16s %s\n", "job names", humanize.Comma(int64(len(t.JobNames))))
	fmt.Fprintf(w, "  %-16s %s\n", "test paths", humanize.Comma(int64(len(t.TestPaths))))
	fmt.Fprintf(w, "  %-16s %s\n", "test names", humanize.Comma(int64(len(t.TestNames))))
	fmt.Fprintf(w, "  %-16s %s\n", "repositories", humanize.Comma(int64(len(t.Repositories))))
	fmt.Fprintf(w, "  %-16s %s\n", "task ids", humanize.Comma(int64(len(t.TaskIDs))))
	fmt.Fprintf(w, "  %-16s %s\n", "messages", humanize.Comma(int64(len(t.Messages))))
	fmt.Fprintf(w, "  %-16s %s\n", "crash signatures", humanize.Comma(int64(len(t.CrashSignatures))))
	fmt.Fprintln(w)

	s := summarize(ds, topFailingTests)
	fmt.Fprintf(w, "Runs: %s of %s tests\n", humanize.Comma(int64(s.Runs)), humanize.Comma(int64(s.Tests)))
	for _, sc := range s.Statuses {
		fmt.Fprintf(w, "  %-22s %s\n", sc.Status, humanize.Comma(int64(sc.Runs)))
	}

	if len(s.TopFailing) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Most failing tests:")
		for _, tc := range s.TopFailing {
			fmt.Fprintf(w, "  %6s  %s\n", humanize.Comma(int64(tc.Runs)), tc.Test)
		}
	}
}

// runPprof opens the resource usage profile of a snapshot in pprof.
func (a *App) runPprof(profilePath string, pprofArgs []string) error {
	info, err := os.Stat(profilePath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot has no resource usage profile")
	}
	if err != nil {
		return fmt.Errorf("failed to read usage profile: %w", err)
	}
	fmt.Fprintf(a.stdout, "\nProfile: %s (%s)\n", profilePath, humanize.Bytes(uint64(info.Size())))

	// Build pprof command with any additional args
	args := []string{"tool", "pprof"}
	args = append(args, pprofArgs...)
	args = append(args, profilePath)

	cmd := exec.Command("go", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
