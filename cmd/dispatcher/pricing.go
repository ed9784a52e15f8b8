package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/budget"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/config"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/database"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/models"
)

// pricingSource lists pricing rows, per thousand units.
type pricingSource interface {
	ListProviderPricing(ctx context.Context) ([]models.ProviderPricing, error)
}

// assemblePricing layers built-in defaults, the YAML file and database
// rows, later sources overriding earlier ones. src may be nil.
func assemblePricing(ctx context.Context, cfg *config.Config, src pricingSource, logger logrus.FieldLogger) (*budget.PricingTable, error) {
	table := budget.NewPricingTable()

	if cfg.PricingFile != "" {
		if err := table.LoadFile(cfg.PricingFile); err != nil {
			return nil, err
		}
		logger.WithField("file", cfg.PricingFile).Info("Loaded pricing file")
	}

	if src != nil {
		rows, err := src.ListProviderPricing(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing rows: %w", err)
		}
		for _, row := range rows {
			table.Set(row.Provider, row.Model, budget.Per1K(row.InputPer1kTokens, row.OutputPer1kTokens))
		}
		logger.WithField("rows", len(rows)).Info("Loaded pricing from database")
	}

	return table, nil
}

type printedRate struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// pricingCmd prints the effective pricing table in the pricing file layout
var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Print the effective pricing table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		var src pricingSource
		if cfg.DatabaseURL != "" {
			db, err := database.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			src = db
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		table, err := assemblePricing(ctx, cfg, src, logger)
		if err != nil {
			return err
		}

		return writePricing(table, cmd.OutOrStdout())
	},
}

func writePricing(table *budget.PricingTable, out io.Writer) error {
	snapshot := table.Snapshot()
	doc := map[string]map[string]map[string]printedRate{"providers": {}}
	for provider, rates := range snapshot {
		doc["providers"][provider] = make(map[string]printedRate, len(rates))
		for model, rate := range rates {
			doc["providers"][provider][model] = printedRate{
				InputPerMillion:  rate.InputUnitCostUSD * 1_000_000,
				OutputPerMillion: rate.OutputUnitCostUSD * 1_000_000,
			}
		}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode pricing: %w", err)
	}
	return enc.Close()
}
