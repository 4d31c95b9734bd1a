package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/project"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusRuns int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display forms, instances and recent runs of each project",
		Long: `Display, for every configured project (or the one given with --project),
the number of forms and instances on the device, the disk space they use
and the most recent background and manual runs.`,
		Example: `  fieldsync status
  fieldsync status --project survey --runs 20`,
		Args: cobra.NoArgs,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show per project")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalRegistry == nil {
		return fmt.Errorf("config not loaded")
	}

	ids := globalRegistry.IDs()
	if projectID != "" {
		ids = []string{projectID}
	}
	if len(ids) == 0 {
		fmt.Println("No projects configured.")
		return nil
	}

	for _, id := range ids {
		sb, err := globalRegistry.Sandbox(id)
		if err != nil {
			return err
		}
		if err := printProjectStatus(sb); err != nil {
			return err
		}
	}
	return nil
}

func printProjectStatus(sb *project.Sandbox) error {
	forms, err := sb.Store.ListForms()
	if err != nil {
		return err
	}
	live := 0
	for _, f := range forms {
		if !f.IsDeleted() {
			live++
		}
	}

	statuses := []string{store.StatusIncomplete, store.StatusComplete, store.StatusSubmitted, store.StatusSubmissionFailed}
	counts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		instances, err := sb.Store.ListInstancesByStatus(s)
		if err != nil {
			return err
		}
		counts = append(counts, fmt.Sprintf("%d %s", len(instances), s))
	}

	title := fmt.Sprintf("Project %s", sb.Config.ID)
	if sb.Config.Name != "" {
		title += fmt.Sprintf(" (%s)", sb.Config.Name)
	}
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
	fmt.Printf("Server:      %s\n", sb.Config.ServerURL)
	fmt.Printf("Updates:     %s, every %s\n", sb.Config.FormUpdateMode, sb.Config.FormUpdatePeriod())
	fmt.Printf("Auto-send:   %s\n", sb.Config.AutoSend)
	fmt.Printf("Forms:       %d (%d deleted), %s\n", live, len(forms)-live, humanize.Bytes(dirSize(sb.FormsDir)))
	fmt.Printf("Instances:   %s, %s\n", strings.Join(counts, ", "), humanize.Bytes(dirSize(sb.InstancesDir)))

	runs, err := sb.Store.ListSyncRuns("", statusRuns)
	if err != nil {
		return err
	}
	fmt.Println("")
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		fmt.Println("")
		return nil
	}

	fmt.Printf("%-14s %-10s %9s %7s %s\n", "Kind", "Status", "Succeeded", "Failed", "Started")
	fmt.Println(strings.Repeat("-", 64))
	for _, r := range runs {
		fmt.Printf("%-14s %-10s %9d %7d %s\n", r.Kind, r.Status, r.Succeeded, r.Failed, humanize.Time(r.StartTime))
		if r.ErrorMessage != "" {
			fmt.Printf("    %s\n", r.ErrorMessage)
		}
	}
	fmt.Println("")
	return nil
}

// dirSize sums the sizes of regular files under dir. Unreadable entries
// are skipped.
func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}
