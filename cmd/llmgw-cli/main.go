// Command llmgw-cli validates gateway configuration and inspects the
// provider, catalog and usage stores it describes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	llmgateway "github.com/ferro-labs/llm-gateway"
	"github.com/ferro-labs/llm-gateway/internal/logging"
	"github.com/ferro-labs/llm-gateway/internal/version"
	"github.com/ferro-labs/llm-gateway/usage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "llmgw-cli",
		Short:        "llm-gateway command line tool",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("LLMGW_CONFIG"), "gateway config file (JSON/YAML)")

	models := &cobra.Command{Use: "models", Short: "Inspect and refresh the model catalog"}
	models.AddCommand(c.modelsListCmd(), c.modelsSyncCmd())

	usageCmd := &cobra.Command{Use: "usage", Short: "Query and prune usage records"}
	usageCmd.AddCommand(c.usageListCmd(), c.usagePruneCmd())

	root.AddCommand(c.validateCmd(), c.testCmd(), models, usageCmd, versionCmd())
	return root
}

func (c *cli) load() (*llmgateway.Config, error) {
	if c.configPath == "" {
		return nil, errors.New("no config file: pass --config or set LLMGW_CONFIG")
	}
	cfg, err := llmgateway.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := llmgateway.ValidateConfig(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// gateway builds a quiet gateway from the config. Periodic discovery is
// disabled; commands sync explicitly.
func (c *cli) gateway(ctx context.Context) (*llmgateway.Gateway, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	cfg.Discovery.Interval = ""
	return llmgateway.NewFromConfig(ctx, *cfg, llmgateway.WithLogger(logging.Discard()))
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a gateway configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.configPath = args[0]
			}
			cfg, err := c.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := make([]string, 0, len(cfg.Providers))
			for _, p := range cfg.Providers {
				names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.Type))
			}
			fmt.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Providers: %s\n", strings.Join(names, ", "))
			if cfg.DefaultProvider != "" {
				fmt.Fprintf(out, "  Default:   %s\n", cfg.DefaultProvider)
			}
			backend := cfg.RateLimit.Backend
			if backend == "" {
				backend = llmgateway.RateLimitBackendMemory
			}
			fmt.Fprintf(out, "  Limiter:   %s\n", backend)
			return nil
		},
	}
}

func (c *cli) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check connectivity to every configured provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := c.gateway(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()

			results := gw.TestAllConnections(cmd.Context())
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := 0
			out := cmd.OutOrStdout()
			for _, name := range names {
				mark := "ok"
				if !results[name] {
					mark = "FAILED"
					failed++
				}
				fmt.Fprintf(out, "%-20s %s\n", name, mark)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d providers unreachable", failed, len(names))
			}
			return nil
		},
	}
}

func (c *cli) modelsListCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active models from the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := c.gateway(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tMODEL\tCHAT\tEMBEDDING\tSOURCE")
			for _, m := range gw.GetActiveModels(provider) {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", m.ProviderID, m.ModelID, m.IsChatModel, m.IsEmbeddingModel, m.Source)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "only list this provider's models")
	return cmd
}

func (c *cli) modelsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <provider>",
		Short: "Refresh a provider's models from its live model list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := c.gateway(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()

			list, err := gw.SyncProviderModels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d models for %s\n", len(list), args[0])
			return nil
		},
	}
}

func (c *cli) usageReader() (usage.Reader, io.Closer, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	w, err := llmgateway.OpenUsageWriter(cfg.Storage.Usage)
	if err != nil {
		return nil, nil, err
	}
	r, ok := w.(usage.Reader)
	if !ok {
		return nil, nil, errors.New("storage.usage does not keep records: configure a memory, sqlite or postgres driver")
	}
	closer, _ := w.(io.Closer)
	return r, closer, nil
}

func (c *cli) usageListCmd() *cobra.Command {
	var q usage.Query
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent usage records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, closer, err := c.usageReader()
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			res, err := r.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPROVIDER\tMODEL\tENDPOINT\tSTATUS\tTOKENS\tLATENCY\tCOST")
			for _, rec := range res.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%dms\t$%.6f\n",
					rec.Timestamp.Format(time.RFC3339), rec.ProviderID, rec.ModelID, rec.Endpoint,
					rec.StatusCode, rec.TotalTokens, rec.LatencyMs, rec.CostUSD)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d records\n", len(res.Data), res.Total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&q.ProviderID, "provider", "p", "", "filter by provider")
	cmd.Flags().StringVarP(&q.ModelID, "model", "m", "", "filter by model")
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this, e.g. 24h")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "maximum records to show")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "records to skip")
	return cmd
}

func (c *cli) usagePruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete usage records older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			r, closer, err := c.usageReader()
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			cutoff := time.Now().Add(-olderThan)
			n, err := r.Delete(cmd.Context(), usage.MaintenanceQuery{Before: &cutoff})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records older than %s\n", n, cutoff.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest record to keep")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "llmgw-cli %s\n", version.String())
		},
	}
}
