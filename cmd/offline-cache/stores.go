package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/tasteknowledge/offline-cache/cache"
	cachekey "github.com/tasteknowledge/offline-cache/pkg/cache-key"
	serializer "github.com/tasteknowledge/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Seed the shell store of the current version and purge old stores",
		Long: `Fetch every URL of the shell manifest from the origin and store them.

Either all of them are stored, or none are and the command fails.
Unless the manager waits for a skip message, old stores are purged afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()
			m, err := newManager(storage, nil)
			if err != nil {
				return err
			}
			if err := m.Install(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.ShellStore, m.State())
			return nil
		},
	}
}

func newStoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "Inspect and clean up the stores",
	}
	cmd.AddCommand(newStoresLsCmd())
	cmd.AddCommand(newStoresPurgeCmd())
	return cmd
}

func newStoresLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [store]",
		Short: "List stores, or the entries of one store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			if len(args) == 0 {
				return listStores(cmd, w, storage)
			}
			return listEntries(cmd, w, storage, args[0])
		},
	}
}

func listStores(cmd *cobra.Command, w *tabwriter.Writer, storage cache.Storage) error {
	names, err := storage.Names(cmd.Context())
	if err != nil {
		return err
	}
	for _, name := range names {
		size, err := storage.Size(cmd.Context(), name)
		if err != nil {
			return err
		}
		current := ""
		if name == cfg.ShellStore || name == cfg.DataStore {
			current = "current"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, size, current)
	}
	return nil
}

func listEntries(cmd *cobra.Command, w *tabwriter.Writer, storage cache.Storage, store string) error {
	ctx := cmd.Context()
	keyer := cachekey.NewCacheKeyer()
	keys := make([]string, 0)
	if err := storage.Keys(ctx, store, func(key string) { keys = append(keys, key) }); err != nil {
		return err
	}
	for _, key := range keys {
		req, err := keyer.GetRequestFromKey(key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping entry")
			continue
		}
		entry, ok, err := storage.Match(ctx, store, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		body, err := serializer.Body(entry.Bytes)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Unreadable entry")
			continue
		}
		fmt.Fprintf(w, "%s\t%d bytes\t%s\n", req.URL.RequestURI(), len(body), entry.StoredAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func newStoresPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every store except the current shell and data stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()
			deleted, err := cache.PurgeExcept(cmd.Context(), storage, cfg.ShellStore, cfg.DataStore)
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return err
		},
	}
}
