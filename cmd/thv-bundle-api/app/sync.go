package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	bundleapp "github.com/stacklok/toolhive-bundle-server/internal/app"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <subject>",
		Short: "Sync one subject and print the result",
		Long: `Run a single sync of a subject against the configured cache store and print
the result as JSON. The run is recorded in the subject's status like a
background sync.`,
		Args: cobra.ExactArgs(1),
		RunE: runSync,
	}
	cmd.Flags().Bool("force", false, "Replan even when the cached bundle is still valid")
	return cmd
}

func newBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <subject>",
		Short: "Print the cached bundle of a subject",
		Args:  cobra.ExactArgs(1),
		RunE:  runBundle,
	}
}

func runSync(cmd *cobra.Command, args []string) (err error) {
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	components, err := bundleapp.NewComponents(ctx, bundleapp.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, components.Close(ctx))
	}()

	result, syncErr := components.SyncCoordinator.SyncNow(ctx, args[0], force)
	if result != nil {
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}
	if syncErr != nil {
		return syncErr
	}
	if result != nil && result.Status == pkgsync.StatusFailed {
		return fmt.Errorf("no unit of %s could be resolved", args[0])
	}
	return nil
}

func runBundle(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	components, err := bundleapp.NewComponents(ctx, bundleapp.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, components.Close(ctx))
	}()

	b, err := components.SyncManager.GetCachedBundle(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), b)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
