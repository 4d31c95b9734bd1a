package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/spf13/cobra"
)

var instancesListStatus string

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Manage filled-in form instances",
		Long: `Import finalized instances into a project and list the instances stored
on this device together with their submission status.`,
		Example: `  fieldsync instances import ./visit1/visit1.xml
  fieldsync instances import ./visit1
  fieldsync instances list --status complete,submissionFailed`,
	}

	importCmd := &cobra.Command{
		Use:   "import PATH...",
		Short: "Import finalized instances",
		Long: `Import finalized instances. PATH is an instance XML file or a directory
holding one; every other file in that directory is imported as an
attachment.`,
		Args: cobra.MinimumNArgs(1),
		RunE: instancesImportRun,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE:  instancesListRun,
	}
	listCmd.Flags().StringVar(&instancesListStatus, "status", "", "comma-separated statuses to show (default all)")

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func instancesImportRun(cmd *cobra.Command, args []string) error {
	sb, err := selectProject()
	if err != nil {
		return err
	}

	for _, arg := range args {
		path, err := instanceFile(arg)
		if err != nil {
			return err
		}
		inst, err := sb.ImportInstance(path)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", arg, err)
		}
		logger.Info("instance imported", "path", arg, "id", inst.ID, "form_id", inst.FormID)
		fmt.Printf("Imported %s as instance %d (%s)\n", arg, inst.ID, inst.DisplayName)
	}
	return nil
}

// instanceFile resolves PATH to the instance XML file it names. A
// directory must hold exactly one XML file, or one named after it.
func instanceFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return path, nil
	}

	named := filepath.Join(path, filepath.Base(filepath.Clean(path))+".xml")
	if _, err := os.Stat(named); err == nil {
		return named, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.xml"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("%s: expected one instance XML file, found %d", path, len(matches))
	}
	return matches[0], nil
}

func instancesListRun(cmd *cobra.Command, args []string) error {
	sb, err := selectProject()
	if err != nil {
		return err
	}

	statuses := []string{store.StatusIncomplete, store.StatusComplete, store.StatusSubmitted, store.StatusSubmissionFailed}
	if instancesListStatus != "" {
		statuses = strings.Split(instancesListStatus, ",")
		for i, s := range statuses {
			statuses[i] = strings.TrimSpace(s)
		}
	}

	instances, err := sb.Store.ListInstancesByStatus(statuses...)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("No instances found.")
		return nil
	}

	fmt.Printf("%6s %-30s %-20s %-18s %s\n", "ID", "Name", "Form", "Status", "Changed")
	fmt.Println(strings.Repeat("-", 92))
	for _, inst := range instances {
		fmt.Printf("%6d %-30s %-20s %-18s %s\n",
			inst.ID, inst.DisplayName, inst.FormID, inst.Status,
			inst.LastStatusChangeDate.Format("2006-01-02 15:04"))
	}
	return nil
}
