package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BadgerOps/fieldsync/internal/project"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/BadgerOps/fieldsync/internal/tasks"
	"github.com/BadgerOps/fieldsync/internal/upload"
	"github.com/spf13/cobra"
)

const maxCredentialPrompts = 3

var (
	sendAll bool
	sendURL string
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [INSTANCE_ID...]",
		Short: "Submit finalized instances to the server",
		Long: `Submit finalized instances. Each instance goes to the override URL when
one is given, otherwise to its form's submission URL or the project's
default. When the server asks for credentials on an interactive terminal,
you are prompted and the instances that were refused are sent again.`,
		Example: `  fieldsync send --all
  fieldsync send 3 4 7
  fieldsync send --all --url https://collect.example.org/submission`,
		RunE: sendRun,
	}

	cmd.Flags().BoolVar(&sendAll, "all", false, "send every finalized or previously failed instance")
	cmd.Flags().StringVar(&sendURL, "url", "", "override submission URL for this batch")

	return cmd
}

func sendRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !sendAll {
		return fmt.Errorf("name the instances to send or pass --all")
	}

	sb, err := selectProject()
	if err != nil {
		return err
	}

	instances, err := instancesToSend(sb, args, sendAll)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("Nothing to send.")
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	for attempt := 0; ; attempt++ {
		result, err := tasks.SendNow(cmd.Context(), sb.Task, instances, sendURL, nil, logger)
		if result != nil && len(result.Results) > 0 {
			fmt.Println(tasks.FormatSubmissionSummary(result))
		}
		if err != nil {
			return err
		}
		if result.AuthRequested == nil {
			if n := result.Failed(); n > 0 {
				return fmt.Errorf("%d of %d instance(s) failed to send", n, len(result.Results))
			}
			return nil
		}

		if attempt >= maxCredentialPrompts || !isTerminal(int(os.Stdin.Fd())) {
			return result.AuthRequested
		}
		creds, err := promptCredentials(reader, os.Stderr, result.AuthRequested.Host)
		if err != nil {
			return err
		}
		sb.Client.SetCredentials(creds)
		instances = refusedInstances(result)
	}
}

// instancesToSend loads the named instances, or every sendable one
func instancesToSend(sb *project.Sandbox, ids []string, all bool) ([]store.Instance, error) {
	if all {
		return sb.Store.ListInstancesByStatus(store.StatusComplete, store.StatusSubmissionFailed)
	}

	out := make([]store.Instance, 0, len(ids))
	for _, arg := range ids {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid instance id %q", arg)
		}
		inst, err := sb.Store.GetInstance(id)
		if err != nil {
			return nil, err
		}
		if inst.Status == store.StatusIncomplete {
			return nil, fmt.Errorf("instance %d is not finalized", id)
		}
		out = append(out, *inst)
	}
	return out, nil
}

// refusedInstances returns the instances a server refused for lack of
// credentials
func refusedInstances(result *upload.BatchResult) []store.Instance {
	var out []store.Instance
	for _, r := range result.Results {
		var authErr *upload.AuthRequestedError
		if errors.As(r.Err, &authErr) {
			out = append(out, r.Instance)
		}
	}
	return out
}
