// agentcore is the command-line entry point for running a graph document
// (§3, §6) to completion, or resuming/recovering a previously paused or
// failed run against a file-backed session store. Modeled on
// cklxx-elephant.ai's cmd/cobra_cli.go root-command-plus-subcommands shape,
// adapted from its interactive chat REPL to a single batch invocation.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/agentcore/executor"
	"github.com/hupe1980/agentcore/graph"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/model/anthropic"
	"github.com/hupe1980/agentcore/model/openai"
	"github.com/hupe1980/agentcore/session"
	"github.com/hupe1980/agentcore/tool"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	stateDir string
	provider string
	verbose  bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Run and manage graph-driven agent executions",
	}
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "directory for session checkpoints (volatile in-memory store if empty)")
	root.PersistentFlags().StringVar(&flags.provider, "provider", "anthropic", "model provider to drive event-loop nodes (anthropic|openai)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug-level logging")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newResumeCommand(flags))
	root.AddCommand(newRecoverCommand(flags))
	return root
}

func newRunCommand(flags *rootFlags) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Execute a graph document from its entry node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal, g, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			input, err := loadInput(inputPath)
			if err != nil {
				return err
			}
			x, err := buildExecutor(flags)
			if err != nil {
				return err
			}
			result, err := x.Execute(cmd.Context(), g, goal, input)
			return reportResult(result, err)
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "", "path to a JSON file seeding the run's memory (defaults to {})")
	return cmd
}

func newResumeCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <graph.yaml> <session-id>",
		Short: "Continue a paused or failed session from its latest checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal, g, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			x, err := buildExecutor(flags)
			if err != nil {
				return err
			}
			result, err := x.Resume(cmd.Context(), g, goal, args[1])
			return reportResult(result, err)
		},
	}
	return cmd
}

func newRecoverCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover <graph.yaml> <session-id> <checkpoint-id>",
		Short: "Rewind a session to a checkpoint and continue from there",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal, g, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			x, err := buildExecutor(flags)
			if err != nil {
				return err
			}
			result, err := x.Recover(cmd.Context(), g, goal, args[1], args[2])
			return reportResult(result, err)
		},
	}
	return cmd
}

func loadDocument(path string) (graph.Goal, *graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Goal{}, nil, fmt.Errorf("reading graph document: %w", err)
	}

	var doc *graph.Document
	switch filepath.Ext(path) {
	case ".json":
		doc, err = graph.ParseJSON(data)
	default:
		doc, err = graph.ParseYAML(data)
	}
	if err != nil {
		return graph.Goal{}, nil, fmt.Errorf("parsing graph document: %w", err)
	}

	goal, g, err := doc.Build()
	if err != nil {
		return graph.Goal{}, nil, fmt.Errorf("building graph: %w", err)
	}
	return goal, g, nil
}

func loadInput(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decoding input file: %w", err)
	}
	return input, nil
}

func buildExecutor(flags *rootFlags) (*executor.Executor, error) {
	level := logging.LogLevelInfo
	if flags.verbose {
		level = logging.LogLevelDebug
	}
	logger := logging.NewSlogLogger(level, "text", flags.verbose)

	m, err := selectModel(flags.provider)
	if err != nil {
		return nil, err
	}

	var sessions session.Store
	if flags.stateDir != "" {
		idGen := func() string { return fmt.Sprintf("run-%d", time.Now().UnixNano()) }
		fs, err := session.NewFileStore(flags.stateDir, idGen)
		if err != nil {
			return nil, fmt.Errorf("initializing file-backed session store: %w", err)
		}
		sessions = fs
	}

	opts := []func(*executor.Options){
		executor.WithLLM(m),
		executor.WithTools(tool.NewRegistry()),
		executor.WithLogger(logger),
	}
	if sessions != nil {
		opts = append(opts, executor.WithSessions(sessions))
	}
	return executor.New(opts...), nil
}

func selectModel(provider string) (model.Model, error) {
	switch provider {
	case "anthropic":
		return anthropic.NewModel(), nil
	case "openai":
		return openai.NewModel(), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}

func reportResult(result executor.RunResult, err error) error {
	if err != nil {
		return fmt.Errorf("run %s aborted: %w", result.SessionID, err)
	}
	fmt.Printf("session:      %s\n", result.SessionID)
	fmt.Printf("terminated by: %s\n", result.TerminatedBy)
	fmt.Printf("nodes run:    %d\n", result.Summary.TotalNodesExecuted)
	for _, key := range result.Memory.Keys() {
		v, _ := result.Memory.Get(key)
		fmt.Printf("memory[%s] = %v\n", key, graph.ToAny(v))
	}
	return nil
}
