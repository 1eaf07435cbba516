package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/config"
)

type routeFlags struct {
	category string
	text     string
	file     string
	agentID  string
	quality  float64
	costSens float64
	urgency  string
}

func routeCmd() *cobra.Command {
	var f routeFlags

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the routing decision for a request without executing it",
		Long: `Builds the gateway from the configuration and prints the decision it
would make for the given request as JSON. No backend is called and no
spend is recorded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := f.text
			if f.file != "" {
				data, err := os.ReadFile(f.file)
				if err != nil {
					return fmt.Errorf("read %s: %w", f.file, err)
				}
				text = string(data)
			}
			return runRoute(cmd.Context(), cmd.OutOrStdout(), configFile, f, text)
		},
	}

	cmd.Flags().StringVar(&f.category, "category", "", "task category (required)")
	cmd.Flags().StringVar(&f.text, "text", "", "request context")
	cmd.Flags().StringVar(&f.file, "file", "", "read the request context from a file")
	cmd.Flags().StringVar(&f.agentID, "agent", "", "agent id")
	cmd.Flags().Float64Var(&f.quality, "quality", 0.5, "quality requirement in [0,1]")
	cmd.Flags().Float64Var(&f.costSens, "cost-sensitivity", 0.5, "cost sensitivity in [0,1]")
	cmd.Flags().StringVar(&f.urgency, "urgency", "normal", "low, normal, high or critical")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func runRoute(ctx context.Context, out io.Writer, path string, f routeFlags, text string) error {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return err
	}
	urgency, err := tiergate.ParseUrgency(f.urgency)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := &deps{logger: logger, spend: tiergate.NewMemorySpendStore()}
	// route is a dry run; distributed admission never runs
	cfg.RateLimit.Distributed = false

	gw, err := buildGateway(cfg, d)
	if err != nil {
		return err
	}
	defer gw.Close(ctx)

	decision, err := gw.Route(ctx, tiergate.Request{
		Category:           tiergate.Category(f.category),
		Context:            text,
		AgentID:            f.agentID,
		QualityRequirement: f.quality,
		CostSensitivity:    f.costSens,
		Urgency:            urgency,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(decision)
}
