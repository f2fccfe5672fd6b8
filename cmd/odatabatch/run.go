package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/internal/gateway"
	"github.com/pitabwire/odatabatch/internal/observability"
	"github.com/pitabwire/odatabatch/internal/plan"
	"github.com/pitabwire/odatabatch/model"
)

type runOptions struct {
	configPath  string
	planPath    string
	destination string
	url         string
	output      string
	verbose     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan and print one outcome per item",
		Long:  "run sends the plan as a single $batch request. The exit status is 1 when the batch or any of its items failed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runPlan(ctx, cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().StringVarP(&opts.planPath, "plan", "p", "plan.yaml", "path to the batch plan (YAML or JSON)")
	cmd.Flags().StringVarP(&opts.destination, "destination", "d", "", "configured destination name; defaults to the plan's destination")
	cmd.Flags().StringVar(&opts.url, "url", "", "service host URL, used instead of a configured destination")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log batch execution to stderr")
	return cmd
}

func runPlan(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("unsupported output format %q (table, json)", opts.output)
	}

	cfg := config.Defaults()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Observability.LogFormat = "console"
	if !opts.verbose {
		cfg.Observability.LogLevel = "error"
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	p, err := plan.Load(opts.planPath)
	if err != nil {
		return err
	}
	dest, err := resolveDestination(cfg, p, opts)
	if err != nil {
		return err
	}
	req, err := p.Request()
	if err != nil {
		return err
	}

	tokens, err := buildTokenStore(ctx, cfg.CSRF, logger)
	if err != nil {
		return err
	}
	if tokens.closer != nil {
		defer tokens.closer()
	}
	client := buildClient(cfg, tokens.store, logger, nil)

	spinner, _ := pterm.DefaultSpinner.WithWriter(cmd.ErrOrStderr()).
		Start(fmt.Sprintf("Sending %d items to %s", req.Len(), dest.Key()))
	resp, err := client.Execute(observability.WithLogger(ctx, logger), dest, req)
	if err != nil {
		spinner.Fail(err.Error())
		return &exitError{code: 1}
	}

	failed := 0
	for _, it := range resp.Items() {
		if it.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		spinner.Warning(fmt.Sprintf("%d of %d items failed", failed, resp.Len()))
	} else {
		spinner.Success(fmt.Sprintf("%d items succeeded", resp.Len()))
	}

	if err := printOutcomes(cmd.OutOrStdout(), opts.output, resp); err != nil {
		return err
	}
	if failed > 0 {
		logger.Debug("batch finished with failed items", zap.Int("failed_items", failed))
		return &exitError{code: 1}
	}
	return nil
}

// resolveDestination picks the --url host, then the --destination flag, then
// the plan's destination.
func resolveDestination(cfg *config.Config, p *plan.Plan, opts runOptions) (model.Destination, error) {
	if opts.url != "" {
		return model.Destination{Name: opts.url, URL: opts.url}, nil
	}
	name := opts.destination
	if name == "" {
		name = p.Destination
	}
	if name == "" {
		return model.Destination{}, errors.New("no destination: pass --destination or --url, or set destination in the plan")
	}
	return cfg.Destination(name)
}

func printOutcomes(w io.Writer, format string, resp *batch.Response) error {
	outcomes := gateway.Outcomes(resp)
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	data := pterm.TableData{{"#", "Kind", "Target", "Status", "Result"}}
	for _, o := range outcomes {
		data = append(data, outcomeRow(strconv.Itoa(o.Index), o))
		for _, sub := range o.Results {
			data = append(data, outcomeRow(fmt.Sprintf("  %d.%d", o.Index, sub.Index), sub))
		}
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func outcomeRow(index string, o gateway.ItemOutcome) []string {
	status := ""
	if o.Status != 0 {
		status = strconv.Itoa(o.Status)
	}
	result := pterm.Green("ok")
	if !o.Success {
		result = pterm.Red("failed")
		if o.Error != nil {
			result = pterm.Red(o.Error.Error())
		}
	}
	return []string{index, o.Kind, o.Target, status, result}
}
