package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/photomarket/entitlements-go/internal/config"
	"github.com/photomarket/entitlements-go/internal/lookup"
	"github.com/photomarket/entitlements-go/internal/model"
	"github.com/photomarket/entitlements-go/internal/storage"
)

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [purchaseId]",
		Short: "Show the entitlements of one purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLookup(cmd, func(ctx context.Context, svc *lookup.Service) (model.EntitlementSet, error) {
				return svc.GetEntitlements(ctx, args[0])
			})
		},
	}
}

func contactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contact [email]",
		Short: "Show the most recent purchase recorded for a contact address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLookup(cmd, func(ctx context.Context, svc *lookup.Service) (model.EntitlementSet, error) {
				return svc.GetEntitlementsByContact(ctx, args[0])
			})
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StoreTimeout)
			defer cancel()
			started := time.Now()
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("%s store unreachable: %w", cfg.Store, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store ok (%s)\n", cfg.Store, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
}

func openStore(ctx context.Context) (config.Config, storage.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	store, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Store,
		RedisURL:    cfg.RedisURL,
		DatabaseDSN: cfg.DatabaseDSN,
		Retention:   cfg.Retention,
	})
	if err != nil {
		return cfg, nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	return cfg, store, nil
}

func closeStore(store storage.Store) {
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
}

func withLookup(cmd *cobra.Command, query func(context.Context, *lookup.Service) (model.EntitlementSet, error)) error {
	cfg, store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore(store)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	set, err := query(ctx, lookup.NewService(store, nil, cfg.StoreTimeout, nil))
	if errors.Is(err, lookup.ErrNotFound) {
		return fmt.Errorf("no purchase found")
	}
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return render(cmd.OutOrStdout(), set, asJSON)
}

// render prints set as indented JSON or as a table.
func render(w io.Writer, set model.EntitlementSet, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(set)
	}

	fmt.Fprintf(w, "Purchase:  %s\n", set.PurchaseID)
	fmt.Fprintf(w, "Created:   %s\n\n", set.CreatedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tPURCHASED\tDOWNLOADED\tREMAINING")
	for _, it := range set.Items {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", it.ProductID, it.QuantityPurchased, it.QuantityDownloaded, it.Remaining)
	}
	return tw.Flush()
}
