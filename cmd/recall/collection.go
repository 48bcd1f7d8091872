package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/memory"
)

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Inspect or reset the knowledge collection",
	}
	cmd.AddCommand(newCollectionListCmd(), newCollectionInfoCmd(), newCollectionDeleteCmd())
	return cmd
}

func withStore(cmd *cobra.Command, fn func(store memory.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, newLogger(cmd, cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newCollectionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print stored records as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 1 {
				limit = 1
			}
			return withStore(cmd, func(store memory.Store) error {
				records, err := store.Scroll(cmd.Context(), limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range records {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 10, "maximum number of records")
	return cmd
}

func newCollectionInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store memory.Store) error {
				desc, ok, err := store.Describe(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "collection does not exist")
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(desc)
			})
		},
	}
}

func newCollectionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the collection and every record in it",
		Long:  "Delete the collection. Use this after changing the embedding model; the next write recreates it at the new size.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			return withStore(cmd, func(store memory.Store) error {
				existed, err := store.DeleteCollection(cmd.Context())
				if err != nil {
					return err
				}
				if existed {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "collection deleted")
				} else {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "collection did not exist")
				}
				return err
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm deletion")
	return cmd
}
