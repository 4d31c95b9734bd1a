package main

import (
	"fmt"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/formsync"
	"github.com/BadgerOps/fieldsync/internal/tasks"
	"github.com/spf13/cobra"
)

var (
	formsListServer  bool
	formsListDeleted bool
	formsDownloadAll bool
)

func newFormsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Manage blank forms",
		Long: `List, download and update the blank forms of a project. Downloads are
validated against the hashes published by the server and installed
atomically together with their media files.`,
		Example: `  fieldsync forms list --server
  fieldsync forms download birds
  fieldsync forms sync
  fieldsync forms update`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List forms on the device, or on the server with --server",
		RunE:  formsListRun,
	}
	listCmd.Flags().BoolVar(&formsListServer, "server", false, "list the server's form list and how each form compares")
	listCmd.Flags().BoolVar(&formsListDeleted, "deleted", false, "include soft-deleted forms")

	downloadCmd := &cobra.Command{
		Use:   "download [FORM_ID...]",
		Short: "Download forms from the server",
		RunE:  formsDownloadRun,
	}
	downloadCmd.Flags().BoolVar(&formsDownloadAll, "all", false, "download every form that is new or updated")

	cmd.AddCommand(
		listCmd,
		downloadCmd,
		&cobra.Command{
			Use:   "sync",
			Short: "Make the device's forms match the server exactly",
			Long: `Download every new or updated form on the server and remove forms the
server no longer lists. Forms with saved instances are soft-deleted.`,
			Args: cobra.NoArgs,
			RunE: formsSyncRun,
		},
		&cobra.Command{
			Use:   "update",
			Short: "Download newer versions of forms already on the device",
			Args:  cobra.NoArgs,
			RunE:  formsUpdateRun,
		},
	)

	return cmd
}

func formsListRun(cmd *cobra.Command, args []string) error {
	sb, err := selectProject()
	if err != nil {
		return err
	}

	if formsListServer {
		details, err := sb.Fetcher.FetchFormDetails(cmd.Context())
		if err != nil {
			return err
		}
		if len(details) == 0 {
			fmt.Println("The server lists no forms.")
			return nil
		}

		fmt.Printf("%-24s %-12s %-30s %s\n", "Form ID", "Version", "Name", "State")
		fmt.Println(strings.Repeat("-", 80))
		for _, d := range details {
			fmt.Printf("%-24s %-12s %-30s %s\n", d.FormID, d.FormVersion, d.FormName, serverFormState(d))
		}
		return nil
	}

	forms, err := sb.Store.ListForms()
	if err != nil {
		return err
	}

	shown := 0
	for _, f := range forms {
		if f.IsDeleted() && !formsListDeleted {
			continue
		}
		if shown == 0 {
			fmt.Printf("%-24s %-12s %-30s %s\n", "Form ID", "Version", "Name", "Added")
			fmt.Println(strings.Repeat("-", 80))
		}
		name := f.DisplayName
		if f.IsDeleted() {
			name += " (deleted)"
		}
		fmt.Printf("%-24s %-12s %-30s %s\n", f.FormID, f.Version, name, f.DateAdded.Format("2006-01-02 15:04"))
		shown++
	}
	if shown == 0 {
		fmt.Println("No forms on this device.")
	}
	return nil
}

func serverFormState(d formsync.ServerFormDetails) string {
	switch {
	case d.IsNotOnDevice:
		return "new"
	case d.IsUpdated:
		return "update available"
	default:
		return "up to date"
	}
}

func formsDownloadRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !formsDownloadAll {
		return fmt.Errorf("name the forms to download or pass --all")
	}

	sb, err := selectProject()
	if err != nil {
		return err
	}

	details, err := sb.Fetcher.FetchFormDetails(cmd.Context())
	if err != nil {
		return err
	}

	selected, err := selectForms(details, args, formsDownloadAll)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		fmt.Println("All forms are up to date.")
		return nil
	}

	outcomes, err := tasks.DownloadNow(cmd.Context(), sb.Task, selected, printProgress, logger)
	if len(outcomes) > 0 {
		fmt.Println(tasks.FormatDownloadSummary(outcomes))
	}
	return err
}

// selectForms picks the named forms from the server's list, or every new or
// updated form when all is set
func selectForms(details []formsync.ServerFormDetails, ids []string, all bool) ([]formsync.ServerFormDetails, error) {
	if all {
		var out []formsync.ServerFormDetails
		for _, d := range details {
			if d.IsNotOnDevice || d.IsUpdated {
				out = append(out, d)
			}
		}
		return out, nil
	}

	byID := make(map[string]formsync.ServerFormDetails, len(details))
	for _, d := range details {
		byID[d.FormID] = d
	}
	out := make([]formsync.ServerFormDetails, 0, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("form %q is not on the server's form list", id)
		}
		out = append(out, d)
	}
	return out, nil
}

func printProgress(form formsync.ServerFormDetails, message string) {
	if quiet {
		return
	}
	fmt.Printf("%s: %s\n", form.FormName, message)
}

func formsSyncRun(cmd *cobra.Command, args []string) error {
	sb, err := selectProject()
	if err != nil {
		return err
	}

	updater := tasks.NewFormsUpdater(globalRegistry, tasks.NewLogNotifier(logger), logger)
	result, err := updater.MatchFormsWithServer(cmd.Context(), sb.Config.ID)
	if result != nil {
		if len(result.Outcomes) > 0 {
			fmt.Println(tasks.FormatDownloadSummary(result.Outcomes))
		}
		downloaded := 0
		for _, o := range result.Outcomes {
			if o.Status == formsync.Completed {
				downloaded++
			}
		}
		fmt.Printf("Downloaded %d form(s), removed %d.\n", downloaded, result.Deleted)
	}
	return err
}

func formsUpdateRun(cmd *cobra.Command, args []string) error {
	sb, err := selectProject()
	if err != nil {
		return err
	}

	updates, _, err := sb.Task.Updates.CheckForUpdates(cmd.Context())
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		fmt.Println("All forms are up to date.")
		return nil
	}

	outcomes, err := tasks.DownloadNow(cmd.Context(), sb.Task, updates, printProgress, logger)
	if len(outcomes) > 0 {
		fmt.Println(tasks.FormatDownloadSummary(outcomes))
	}
	return err
}
