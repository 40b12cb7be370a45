// mendctl is the operator CLI for a running mend service: skill library
// management, candidate triage, event inspection, and local pipeline runs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/executor"
	"github.com/jordanhubbard/mend/internal/matcher"
	"github.com/jordanhubbard/mend/internal/pipeline"
	"github.com/jordanhubbard/mend/internal/resolver"
	"github.com/jordanhubbard/mend/internal/skillstore"
	"github.com/jordanhubbard/mend/pkg/config"
	"github.com/jordanhubbard/mend/pkg/models"
)

var (
	serverURL  string
	apiKey     string
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:   "mendctl",
		Short: "Operator CLI for the mend self-correcting execution engine",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "mend server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (X-API-Key header)")
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file (for local runs)")

	root.AddCommand(healthCmd())
	root.AddCommand(skillsCmd())
	root.AddCommand(candidatesCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/v1/health", os.Stdout)
		},
	}
}

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage the skill library",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all skills in match precedence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Skills []models.SkillEntry `json:"skills"`
			}
			if err := getInto("/api/v1/skills", &resp); err != nil {
				return err
			}
			printSkills(resp.Skills)
			return nil
		},
	})

	var topN int
	top := &cobra.Command{
		Use:   "top",
		Short: "Show the most-used skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Skills []models.SkillEntry `json:"skills"`
			}
			if err := getInto(fmt.Sprintf("/api/v1/skills/top?n=%d", topN), &resp); err != nil {
				return err
			}
			printSkills(resp.Skills)
			return nil
		},
	}
	top.Flags().IntVarP(&topN, "count", "n", 10, "Number of skills to show")
	cmd.AddCommand(top)

	var entry models.SkillEntry
	var kind string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a skill to the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			entry.Kind = models.ErrorKind(kind)
			return postJSON("/api/v1/skills", entry, os.Stdout)
		},
	}
	add.Flags().StringVar(&entry.Pattern, "pattern", "", "Error pattern (substring or regex)")
	add.Flags().BoolVar(&entry.Regex, "regex", false, "Treat pattern as a regular expression")
	add.Flags().StringVar(&entry.Resolution, "resolution", "", "Corrective command template ({match} token supported)")
	add.Flags().StringVar(&entry.Context, "context", "", "Free-form context note")
	add.Flags().StringVar(&kind, "kind", string(models.ErrorKindCustom), "Error kind")
	add.MarkFlagRequired("pattern")
	add.MarkFlagRequired("resolution")
	cmd.AddCommand(add)

	return cmd
}

func candidatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Triage captured unmatched failures",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List captured candidate failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Candidates []models.CandidateFailure `json:"candidates"`
			}
			if err := getInto("/api/v1/candidates", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tOPERATION\tERROR")
			for _, c := range resp.Candidates {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Kind, c.OperationContext, truncate(c.ErrorText, 60))
			}
			return w.Flush()
		},
	})

	var promoteReq struct {
		Pattern    string `json:"pattern,omitempty"`
		Regex      bool   `json:"regex,omitempty"`
		Resolution string `json:"resolution"`
		Context    string `json:"context,omitempty"`
	}
	promote := &cobra.Command{
		Use:   "promote <candidate-id>",
		Short: "Promote a candidate failure into a permanent skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/candidates/%s/promote", args[0])
			return postJSON(path, promoteReq, os.Stdout)
		},
	}
	promote.Flags().StringVar(&promoteReq.Pattern, "pattern", "", "Pattern for the new skill (default: the captured error text)")
	promote.Flags().BoolVar(&promoteReq.Regex, "regex", false, "Treat pattern as a regular expression")
	promote.Flags().StringVar(&promoteReq.Resolution, "resolution", "", "Corrective command template")
	promote.Flags().StringVar(&promoteReq.Context, "context", "", "Free-form context note")
	promote.MarkFlagRequired("resolution")
	cmd.AddCommand(promote)

	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event timeline",
	}

	var tailN int
	var eventType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/events?limit=%d", tailN)
			if eventType != "" {
				path += "&type=" + eventType
			}
			var resp struct {
				Events []*eventbus.Event `json:"events"`
			}
			if err := getInto(path, &resp); err != nil {
				return err
			}
			for _, e := range resp.Events {
				ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
				fmt.Printf("%s  %-24s %-10s %s\n", ts, e.Type, e.Source, compactPayload(e.Payload))
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&tailN, "count", "n", 50, "Number of events to show")
	tail.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	cmd.AddCommand(tail)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show event log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/v1/events/stats", os.Stdout)
		},
	})

	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline locally through the self-correction engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigFromFile(configPath)
			if err != nil {
				if !os.IsNotExist(err) {
					return err
				}
				cfg = config.DefaultConfig()
			}

			def, err := pipeline.LoadDefinition(args[0])
			if err != nil {
				return err
			}

			dsn := cfg.Store.Path
			if cfg.Store.Backend == "postgres" {
				dsn = cfg.Store.DSN
			}
			store, err := skillstore.Open(cfg.Store.Backend, dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			if cfg.Store.SeedFile != "" {
				if _, err := store.Seed(cfg.Store.SeedFile); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: seed load failed: %v\n", err)
				}
			}

			bus, err := eventbus.New(cfg.Events.LogPath, cfg.Events.BufferSize)
			if err != nil {
				return err
			}
			defer bus.Close()

			match := matcher.New(store, nil)
			res := resolver.New(cfg.Executor.ResolverTimeout, cfg.Executor.WorkingDir)
			candidates := executor.NewCandidateLog(cfg.Executor.CandidateLogPath)
			engine := executor.New(store, match, res, bus, candidates, nil)

			runner := pipeline.NewRunner(engine, bus, nil)
			runner.HaltOnFailure = def.HaltOnFailure

			policy := models.RetryPolicy{
				MaxAttempts: cfg.Executor.MaxAttempts,
				RetryDelay:  cfg.Executor.RetryDelay,
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			summary := runner.Run(ctx, def.Build(ctx, policy))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tSTATUS\tATTEMPTS\tCORRECTIONS\tERROR")
			for _, p := range summary.Phases {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					p.PhaseName, p.Status, p.AttemptsUsed, len(p.CorrectionsApplied), truncate(p.Error, 60))
			}
			w.Flush()
			fmt.Printf("\nRun %s: %s, %d corrections applied\n",
				summary.RunID, summary.Status, summary.TotalCorrectionsApplied)

			if summary.Status == models.RunStatusFailed {
				os.Exit(1)
			}
			return nil
		},
	}
}

// HTTP helpers

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func do(req *http.Request) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

func getJSON(path string, out io.Writer) error {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	data, err := do(req)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		buf.Write(data)
	}
	fmt.Fprintln(out, buf.String())
	return nil
}

func getInto(path string, v interface{}) error {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	data, err := do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func postJSON(path string, body interface{}, out io.Writer) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := newRequest(http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	respData, err := do(req)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, respData, "", "  "); err != nil {
		buf.Write(respData)
	}
	fmt.Fprintln(out, buf.String())
	return nil
}

// Output helpers

func printSkills(skills []models.SkillEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPATTERN\tUSED\tSUCCESS\tRESOLUTION")
	for _, s := range skills {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%.0f%%\t%s\n",
			s.ID, s.Kind, truncate(s.Pattern, 40), s.UsageCount, s.SuccessRate()*100, truncate(s.Resolution, 40))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func compactPayload(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}
