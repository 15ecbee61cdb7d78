package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maloquacious/fcl/internal/migrations"
	"github.com/maloquacious/fcl/internal/snapshot"
	"github.com/maloquacious/fcl/internal/storage"
	"github.com/maloquacious/fcl/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	dbCmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create and initialize the datastore",
			Args:  cobra.NoArgs,
			RunE:  runDBCreate,
		},
		&cobra.Command{
			Use:   "upgrade",
			Short: "Back up the datastore, then apply pending migrations",
			Args:  cobra.NoArgs,
			RunE:  runDBUpgrade,
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Verify schema version and integrity; prints a JSON summary",
			Args:  cobra.NoArgs,
			RunE:  runDBVerify,
		},
		&cobra.Command{
			Use:   "history",
			Short: "List applied migrations",
			Args:  cobra.NoArgs,
			RunE:  runDBHistory,
		},
		&cobra.Command{
			Use:   "backup",
			Short: "Take a backup now",
			Args:  cobra.NoArgs,
			RunE:  runDBBackup,
		},
		&cobra.Command{
			Use:   "backups",
			Short: "List stored backups, newest first",
			Args:  cobra.NoArgs,
			RunE:  runDBBackups,
		},
		&cobra.Command{
			Use:   "restore <key>",
			Short: "Replace the datastore with a stored backup",
			Args:  cobra.ExactArgs(1),
			RunE:  runDBRestore,
		},
		&cobra.Command{
			Use:   "recover",
			Short: "Check integrity and restore the latest backup if the datastore is corrupt",
			Args:  cobra.NoArgs,
			RunE:  runDBRecover,
		},
		&cobra.Command{
			Use:   "clear-backups",
			Short: "Delete every stored backup",
			Args:  cobra.NoArgs,
			RunE:  runDBClearBackups,
		},
	)
	return dbCmd
}

// withStorage runs fn against a prepared storage and closes it afterwards.
func withStorage(cmd *cobra.Command, fn func(ctx context.Context, st *storage.Storage) error) error {
	st, _, log, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer closeStorage(st, log)
	return fn(cmd.Context(), st)
}

// requireDatastore fails unless the datastore file exists.
func requireDatastore(ctx context.Context, st *storage.Storage) (store.StoreState, error) {
	state, err := st.State(ctx)
	if err != nil {
		return state, err
	}
	if state == store.StateMissing {
		return state, errors.New("datastore does not exist; run \"fcl db create\" first")
	}
	return state, nil
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		state, err := st.State(ctx)
		if err != nil {
			return err
		}
		if state != store.StateMissing {
			return fmt.Errorf("datastore already exists (state %s); use \"fcl db upgrade\"", state)
		}
		if err := st.Initialize(ctx); err != nil {
			return err
		}
		v, err := st.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created datastore at schema version %d\n", v)
		return nil
	})
}

func runDBUpgrade(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		state, err := requireDatastore(ctx, st)
		if err != nil {
			return err
		}
		from, err := st.Version(ctx)
		if err != nil {
			return err
		}
		if state == store.StateReady {
			fmt.Fprintf(cmd.OutOrStdout(), "datastore is up to date at schema version %d\n", from)
			return nil
		}

		info, err := st.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backup %s taken before upgrade\n", info.Key)

		if err := st.Initialize(ctx); err != nil {
			return err
		}
		to, err := st.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "upgraded schema from version %d to %d\n", from, to)
		return nil
	})
}

type verifySummary struct {
	State         string `json:"state"`
	SchemaVersion int    `json:"schemaVersion"`
	LatestVersion int    `json:"latestVersion"`
	Integrity     string `json:"integrity"`
	Problems      string `json:"problems,omitempty"`
	Pending       []int  `json:"pending,omitempty"`
}

func runDBVerify(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		summary := verifySummary{LatestVersion: st.LatestVersion(), Integrity: "unknown"}

		state, err := st.State(ctx)
		summary.State = state.String()
		if err == nil && state != store.StateMissing {
			if summary.SchemaVersion, err = st.Version(ctx); err != nil {
				return err
			}
			pending, perr := st.Pending(ctx)
			if perr != nil {
				return perr
			}
			for _, m := range pending {
				summary.Pending = append(summary.Pending, m.Version)
			}
			summary.Integrity = "ok"
			if ierr := st.Integrity(ctx); ierr != nil {
				summary.Integrity = "corrupt"
				summary.Problems = ierr.Error()
				err = ierr
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
		if err != nil {
			return err
		}
		if state != store.StateReady {
			return fmt.Errorf("datastore is %s", state)
		}
		return nil
	})
}

func runDBHistory(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		if _, err := requireDatastore(ctx, st); err != nil {
			return err
		}
		records, err := st.History(ctx)
		if err != nil {
			return err
		}
		failures, err := st.Failures(ctx)
		if err != nil {
			return err
		}
		return renderHistory(cmd.OutOrStdout(), records, failures)
	})
}

func renderHistory(w io.Writer, records []migrations.Record, failures []migrations.Failure) error {
	table := tablewriter.NewWriter(w)
	table.Header("Version", "Description", "Status", "When")
	for _, rec := range records {
		if err := table.Append([]string{
			fmt.Sprint(rec.Version),
			rec.Description,
			string(rec.Status),
			humanize.Time(rec.ExecutedAt),
		}); err != nil {
			return err
		}
	}
	for _, f := range failures {
		if err := table.Append([]string{
			fmt.Sprint(f.Version),
			f.Description,
			string(migrations.StatusFailed) + ": " + f.Error,
			humanize.Time(f.FailedAt),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func runDBBackup(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		if _, err := requireDatastore(ctx, st); err != nil {
			return err
		}
		info, err := st.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backup %s (%s, checksum %s)\n",
			info.Key, humanize.Bytes(uint64(info.Size)), info.Checksum)
		return nil
	})
}

func runDBBackups(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		infos, err := st.Snapshots(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no backups")
			return nil
		}
		return renderBackups(cmd.OutOrStdout(), infos, st.MaxSnapshots())
	})
}

func renderBackups(w io.Writer, infos []snapshot.Info, max int) error {
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Taken", "Age", "Size", "Stored", "Checksum")
	for _, info := range infos {
		if err := table.Append([]string{
			info.Key,
			info.Timestamp.Format(time.RFC3339),
			humanize.Time(info.Timestamp),
			humanize.Bytes(uint64(info.Size)),
			humanize.Bytes(uint64(info.Stored)),
			info.Checksum,
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d retained\n", len(infos), max)
	return err
}

func runDBRestore(cmd *cobra.Command, args []string) error {
	key := args[0]
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		if err := st.Restore(ctx, key); err != nil {
			return err
		}
		v, err := st.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s; schema version %d\n", key, v)
		return nil
	})
}

func runDBRecover(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		if _, err := requireDatastore(ctx, st); err != nil {
			return err
		}
		out := st.CheckAndRecoverIfNeeded(ctx)
		switch {
		case out.Recovered:
			fmt.Fprintf(cmd.OutOrStdout(), "datastore was corrupt; restored %s\n", out.Key)
		case out.Err == nil:
			fmt.Fprintln(cmd.OutOrStdout(), "datastore integrity ok; nothing to do")
		}
		return out.Err
	})
}

func runDBClearBackups(cmd *cobra.Command, args []string) error {
	return withStorage(cmd, func(ctx context.Context, st *storage.Storage) error {
		if err := st.ClearSnapshots(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "all backups deleted")
		return nil
	})
}
