package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/graph"
	"github.com/petal-labs/nodeflow/loader"
	"github.com/petal-labs/nodeflow/nodes"
	"github.com/petal-labs/nodeflow/realtime"
	"github.com/petal-labs/nodeflow/runtime"
	"github.com/petal-labs/nodeflow/store"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file locally",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Trigger data as inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Trigger data from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write the final context to file (default: stdout)")
	cmd.Flags().String("user", "", "User ID the run executes as (default: the workflow owner)")
	cmd.Flags().StringArray("credential", nil, "Set a credential, e.g. --credential OPENAI_API_KEY=sk-... (repeatable)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate only, do not execute")
	cmd.Flags().Bool("no-status", false, "Do not print node status lines")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	wf, err := loadWorkflowForRun(cmd, filePath)
	if err != nil {
		return err
	}
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation successful.")
		return nil
	}

	creds, err := resolveRunCredentials(cmd)
	if err != nil {
		return err
	}
	input, err := buildRunInput(cmd)
	if err != nil {
		return err
	}

	memStore := store.NewMemoryStore()
	stored, err := memStore.Create(cmd.Context(), *wf)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := runtime.Options{
		Logger:      logger,
		SinkFactory: realtime.NewDefaultRegistry().SinkFactory(),
	}
	if noStatus, _ := cmd.Flags().GetBool("no-status"); !noStatus {
		opts.EventHandler = runStatusEventHandler(cmd.ErrOrStderr())
	}
	orch := runtime.NewOrchestrator(
		store.Loader{Store: memStore},
		nodes.NewRegistry(nodes.Deps{Credentials: creds, Logger: logger}),
		opts,
	)

	userID, _ := cmd.Flags().GetString("user")
	if strings.TrimSpace(userID) == "" {
		userID = stored.UserID
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	result, runErr := orch.Run(ctx, runtime.TriggerRequest{
		WorkflowID: stored.ID,
		UserID:     userID,
		Data:       input,
	})
	if result != nil {
		if err := writeRunOutput(cmd, result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runRuntimeError(ctx, timeout, runErr)
	}
	return nil
}

func loadWorkflowForRun(cmd *cobra.Command, filePath string) (*core.Workflow, error) {
	wf, _, err := loader.LoadWorkflow(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *graph.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	if strings.TrimSpace(wf.Name) == "" {
		wf.Name = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	return wf, nil
}

// resolveRunCredentials layers --credential values over the environment.
func resolveRunCredentials(cmd *cobra.Command) (nodes.CredentialSource, error) {
	flags, _ := cmd.Flags().GetStringArray("credential")
	if len(flags) == 0 {
		return nodes.EnvCredentials{}, nil
	}
	m := make(nodes.MapCredentials, len(flags))
	for _, kv := range flags {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(value) == "" {
			return nil, exitError(exitProvider, "invalid credential %q (want NAME=value)", kv)
		}
		m[name] = value
	}
	return nodes.ChainCredentials{m, nodes.EnvCredentials{}}, nil
}

// buildRunInput reads trigger data from --input or --input-file.
func buildRunInput(cmd *cobra.Command) (map[string]any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}
	if inputStr == "" && inputFile == "" {
		return map[string]any{}, nil
	}

	if inputStr != "" {
		var vars map[string]any
		if err := json.Unmarshal([]byte(inputStr), &vars); err != nil {
			return nil, exitError(exitInputParse, "parsing input JSON: %v", err)
		}
		return vars, nil
	}

	data, err := os.ReadFile(inputFile) // #nosec G304 -- path from user CLI flag
	if err != nil {
		return nil, exitError(exitFileNotFound, "reading input file: %v", err)
	}
	var vars map[string]any
	if loader.DetectFormat(data, inputFile) == loader.FormatYAML {
		err = yaml.Unmarshal(data, &vars)
	} else {
		err = json.Unmarshal(data, &vars)
	}
	if err != nil {
		return nil, exitError(exitInputParse, "parsing input file: %v", err)
	}
	return vars, nil
}

// runStatusEventHandler prints one line per node status and run outcome.
func runStatusEventHandler(w io.Writer) runtime.EventHandler {
	return func(e runtime.Event) {
		switch e.Kind {
		case runtime.EventNodeStatus:
			msg, _ := realtime.StatusFromEvent(e)
			fmt.Fprintf(w, "[%s] %s: %s\n", msg.Channel, msg.NodeID, msg.Status)
		case runtime.EventNodeFailed:
			fmt.Fprintf(w, "node %s failed: %s\n", e.NodeID, e.PayloadString("error"))
		case runtime.EventRunFinished:
			fmt.Fprintf(w, "run %s %s in %s\n", e.RunID, e.PayloadString("status"), e.Elapsed.Round(time.Millisecond))
		}
	}
}

func runRuntimeError(ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return exitError(exitRuntime, "execution timed out after %s", timeout)
	}
	var credErr *core.CredentialMissingError
	if errors.As(err, &credErr) {
		return exitError(exitProvider, "%v", err)
	}
	return exitError(exitRuntime, "execution failed: %v", err)
}

// writeRunOutput writes the final execution context as indented JSON.
func writeRunOutput(cmd *cobra.Command, result *runtime.RunResult) error {
	data, err := json.MarshalIndent(result.Context.Snapshot(), "", "  ")
	if err != nil {
		return exitError(exitRuntime, "marshaling output: %v", err)
	}

	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath != "" {
		if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
