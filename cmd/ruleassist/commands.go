package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/liamcoop/ruleassist/internal/bootstrap"
	"github.com/liamcoop/ruleassist/internal/config"
	"github.com/liamcoop/ruleassist/workflow"
)

// newApp is replaced in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (*bootstrap.Container, error) {
	return bootstrap.New(ctx, cfg)
}

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ruleassist",
		Short:         "Turn natural-language business rules into checked Drools artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to a ruleassist YAML config file")

	rulesCmd := &cobra.Command{Use: "rules", Short: "Inspect stored rules"}
	rulesCmd.AddCommand(c.rulesListCmd())

	root.AddCommand(c.runCmd(), c.ingestCmd(), rulesCmd, stagesCmd())
	return root
}

func (c *cli) open(ctx context.Context) (*bootstrap.Container, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func (c *cli) runCmd() *cobra.Command {
	var (
		industry    string
		decision    string
		asJSON      bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Run one rule request through the workflow",
		Long: "Run one rule request through the workflow. With --interactive, requests are read " +
			"line by line and earlier turns are passed as conversation history.",
		Args: func(cmd *cobra.Command, args []string) error {
			if !interactive && len(args) == 0 {
				return fmt.Errorf("a request is required unless --interactive is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if !interactive {
				req := workflow.Request{UserInput: strings.Join(args, " "), Industry: industry, Decision: decision}
				state, runErr := app.Orchestrator.Run(cmd.Context(), req)
				if err := printState(out, state, asJSON); err != nil {
					return err
				}
				return runErr
			}
			return chat(cmd.Context(), app.Orchestrator, cmd.InOrStdin(), out, industry)
		},
	}
	cmd.Flags().StringVarP(&industry, "industry", "i", "", "Industry profile (restaurant, retail, manufacturing, healthcare, generic)")
	cmd.Flags().StringVarP(&decision, "decision", "d", "", "Pre-made decision: proceed, modify or cancel")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full run state as JSON")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Read requests from stdin and keep conversation history")
	return cmd
}

// chat reads one request per line. A line that is only a decision word
// re-runs the previous request with that decision.
func chat(ctx context.Context, o *workflow.Orchestrator, in io.Reader, out io.Writer, industry string) error {
	var (
		history []workflow.Exchange
		last    string
	)
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "You > ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			fmt.Fprint(out, "You > ")
			continue
		case "quit", "exit":
			return nil
		}

		req := workflow.Request{UserInput: text, History: history, Industry: industry}
		if d, ok := workflow.ParseDecision(text); ok && d != "" && last != "" {
			req.UserInput, req.Decision = last, text
		}

		state, _ := o.Run(ctx, req)
		fmt.Fprintf(out, "Assistant > %s\n", state.FinalResponse)
		history = append(history, workflow.Exchange{User: text, Assistant: state.FinalResponse})
		if state.Decision == workflow.DecisionModify {
			last = req.UserInput
		} else {
			last = ""
		}
		fmt.Fprint(out, "You > ")
	}
	return scanner.Err()
}

func printState(out io.Writer, s *workflow.State, asJSON bool) error {
	if s == nil {
		return nil
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintln(out, s.FinalResponse)
	return err
}

func (c *cli) ingestCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Add documents to the knowledge base used to ground rule parsing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != "" && len(args) > 1 {
				return fmt.Errorf("--source can only be used with a single file")
			}
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				name := source
				if name == "" {
					name = filepath.Base(path)
				}
				n, err := app.Ingester.Ingest(cmd.Context(), name, string(data))
				if err != nil {
					return fmt.Errorf("failed to ingest %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", name, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Source name recorded with the chunks (defaults to the file name)")
	return cmd
}

func (c *cli) rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.Rules.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rules stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPRIORITY\tARTIFACTS")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.Name, r.Category, r.Priority, r.Artifacts != nil)
			}
			return w.Flush()
		},
	}
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Print the workflow stage graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tNEXT\tON FAILURE\tNOTE")
			for _, s := range workflow.Stages() {
				next := make([]string, len(s.OnSuccess))
				for i, n := range s.OnSuccess {
					next[i] = string(n)
				}
				if s.Terminal {
					next = []string{"(end)"}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Stage, strings.Join(next, " | "), s.OnFailure, s.Note)
			}
			return w.Flush()
		},
	}
}
