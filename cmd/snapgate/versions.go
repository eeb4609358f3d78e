package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/driftline/snapgate/internal/snapshot"
)

var (
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List versions in the store, newest first",
		Args:  cobra.NoArgs,
		RunE:  cmdList,
	}
	promoteCmd = &cobra.Command{
		Use:   "promote <version>",
		Short: "Validate a version and atomically make it current",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdPromote,
	}
	validateCmd = &cobra.Command{
		Use:   "validate <version>",
		Short: "Check a version's manifest and blob checksum without promoting",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdValidate,
	}
	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete versions older than the retention window",
		Args:  cobra.NoArgs,
		RunE:  cmdCleanup,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the current pointer and version count",
		Args:  cobra.NoArgs,
		RunE:  cmdStatus,
	}

	promotedBy  string
	cleanupKeep int
)

func init() {
	promoteCmd.Flags().StringVar(&promotedBy, "by", "", "operator identity recorded on the pointer")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "number of recent versions to keep (default from config)")
}

func cmdList(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	deps, err := setupCLI(ctx)
	if err != nil {
		return err
	}
	rows, err := deps.ctrl.List(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no versions in store")
		return nil
	}
	for _, row := range rows {
		marker := " "
		if row.Current {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %d bytes  created %s\n",
			marker, row.Manifest.VersionID, row.Manifest.SizeBytes,
			row.Manifest.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func cmdPromote(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	deps, err := setupCLI(ctx)
	if err != nil {
		return err
	}
	rec, err := deps.ctrl.Promote(ctx, snapshot.VersionID(args[0]), promotedBy)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "promoted %s (previous: %s)\n",
		rec.CurrentVersion, defaultString(string(rec.PreviousVersion), "none"))
	return nil
}

func cmdValidate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	deps, err := setupCLI(ctx)
	if err != nil {
		return err
	}
	v := snapshot.VersionID(args[0])
	if err := deps.ctrl.Validate(ctx, v); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %s is valid\n", v)
	return nil
}

func cmdCleanup(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	deps, err := setupCLI(ctx)
	if err != nil {
		return err
	}
	keep := cleanupKeep
	if keep <= 0 {
		keep = deps.cfg.RetentionKeep
	}
	report, err := deps.ctrl.Cleanup(ctx, keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "kept %d, removed %d\n", len(report.Kept), len(report.Removed))
	for _, v := range report.Removed {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", v)
	}
	if len(report.Failed) > 0 {
		failed := make([]string, 0, len(report.Failed))
		for v := range report.Failed {
			failed = append(failed, string(v))
		}
		sort.Strings(failed)
		fmt.Fprintf(cmd.OutOrStdout(), "failed (%d):\n", len(failed))
		for _, v := range failed {
			fmt.Fprintf(cmd.OutOrStdout(), "  ! %s: %s\n", v, report.Failed[snapshot.VersionID(v)])
		}
	}
	return nil
}

func cmdStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	deps, err := setupCLI(ctx)
	if err != nil {
		return err
	}
	st, err := deps.ctrl.Status(ctx)
	if err != nil {
		return err
	}
	if st.Pointer == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "current version: none")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "current version: %s\n", st.Pointer.CurrentVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "promoted at:     %s\n", st.Pointer.PromotedAt.Format("2006-01-02 15:04:05 MST"))
		if st.Pointer.PromotedBy != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "promoted by:     %s\n", st.Pointer.PromotedBy)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "total versions:  %d\n", st.TotalVersions)
	return nil
}
