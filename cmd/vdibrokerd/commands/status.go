package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openvdi/vdibroker/pkg/config"
	"github.com/openvdi/vdibroker/pkg/deletion"
	"github.com/openvdi/vdibroker/pkg/lifecycle"
	"github.com/openvdi/vdibroker/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted entities and pending deletions",
		Long: `Show the broker's persisted state: every lifecycle entity with its
current queue head, and the backlog of each deferred deletion group.

The command reads the configured storage directly, so it works whether or
not the daemon is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != "sqlite" {
				return fmt.Errorf("status requires the sqlite backend; %q keeps no state on disk", cfg.Storage.Backend)
			}

			ctx := cmd.Context()
			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Storage.Path})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entities := store.Scope("entities")
			keys, err := entities.Keys(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tSERVICE\tVARIANT\tREMOTE\tHEAD\tERROR")
			for _, key := range keys {
				data, err := entities.Get(ctx, key)
				if err != nil {
					continue
				}
				ent, err := lifecycle.DecodeEntity(data)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t-\t(undecodable)\t%v\n", key, err)
					continue
				}
				head := "-"
				if op, ok := ent.Head(); ok {
					head = op.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ent.ID, ent.ServiceID, ent.Variant, ent.RemoteID, head, ent.ErrorReason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d entities\n\n", len(keys))

			groups := []deletion.Group{
				deletion.GroupToStop,
				deletion.GroupStopping,
				deletion.GroupToDelete,
				deletion.GroupDeleting,
			}
			for _, g := range groups {
				gk, err := store.Scope(string(g)).Keys(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-20s %d pending\n", g, len(gk))
			}
			return nil
		},
	}
}
