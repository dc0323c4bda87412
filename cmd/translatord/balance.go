package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/oplog"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

const (
	flagAdd     = "add"
	flagEntries = "entries"
)

type balanceOptions struct {
	Device  string
	User    string
	Add     int64
	Entries int
}

func newBalanceCommand(runtime *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show, top up or list the journal of a credit balance",
		Example: `  translatord balance --device laptop-1
  translatord balance --user 42 --add 600 --entries 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			return runBalance(cmd.Context(), cmd.OutOrStdout(), runtime, balanceOptions{
				Device:  v.GetString(flagDevice),
				User:    v.GetString(flagUser),
				Add:     v.GetInt64(flagAdd),
				Entries: v.GetInt(flagEntries),
			})
		},
	}
	cmd.Flags().String(flagDevice, "", "anonymous device id")
	cmd.Flags().String(flagUser, "", "signed-in user id")
	cmd.Flags().Int64(flagAdd, 0, "credit this many purchased seconds")
	cmd.Flags().Int(flagEntries, 0, "print this many recent journal entries")
	cmd.MarkFlagsMutuallyExclusive(flagDevice, flagUser)
	cmd.MarkFlagsOneRequired(flagDevice, flagUser)
	return cmd
}

func resolveScope(options balanceOptions) (ledger.OwnerScope, error) {
	if options.User != "" {
		userID, err := ledger.NewUserID(options.User)
		if err != nil {
			return ledger.OwnerScope{}, err
		}
		return ledger.AccountScope(userID), nil
	}
	deviceID, err := ledger.NewDeviceID(options.Device)
	if err != nil {
		return ledger.OwnerScope{}, err
	}
	return ledger.AnonymousScope(deviceID), nil
}

func runBalance(ctx context.Context, out io.Writer, runtime *runtimeConfig, options balanceOptions) error {
	scope, err := resolveScope(options)
	if err != nil {
		return err
	}
	logger, err := newQuietLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, runtime)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()

	service, err := ledger.NewService(ctx, store, scope, time.Now, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return err
	}
	if _, err := service.ApplyWeeklyResetIfDue(ctx, time.Now().UTC()); err != nil {
		return err
	}
	if options.Add > 0 {
		if err := service.Add(ctx, options.Add); err != nil {
			if errors.Is(err, ledger.ErrCapExceeded) || errors.Is(err, ledger.ErrBalanceMigrated) {
				color.New(color.FgRed, color.Bold).Fprintf(out, "cannot add %ds: %v\n", options.Add, err)
			}
			return err
		}
	}
	printBalance(out, service)

	if options.Entries > 0 {
		entries, err := service.ListEntries(ctx, time.Now().UTC().Add(time.Second).Unix(), options.Entries)
		if err != nil {
			return err
		}
		printEntries(out, entries)
	}
	return nil
}

func printBalance(out io.Writer, service *ledger.Service) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	balance := service.Snapshot()
	cyan.Fprintf(out, "%s\n", balance.Scope)
	switch {
	case balance.SecondsRemaining == 0:
		red.Fprintf(out, "%ds", balance.SecondsRemaining)
	case balance.SecondsRemaining <= 60:
		yellow.Fprintf(out, "%ds", balance.SecondsRemaining)
	default:
		green.Fprintf(out, "%ds", balance.SecondsRemaining)
	}
	fmt.Fprintf(out, " of %ds remaining\n", balance.CapSeconds)
	if balance.Migrated {
		yellow.Fprintln(out, "migrated to an account")
		return
	}
	fmt.Fprintf(out, "next free-tier reset %s\n", service.NextWeeklyResetAt().Format(time.RFC3339))
}

func printEntries(out io.Writer, entries []ledger.Entry) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, entry := range entries {
		amount := green
		if entry.Seconds < 0 {
			amount = red
		}
		fmt.Fprintf(out, "%s  %-16s ", time.Unix(entry.CreatedUnixUTC, 0).UTC().Format(time.RFC3339), entry.Type)
		amount.Fprintf(out, "%+6ds", entry.Seconds)
		fmt.Fprintf(out, "  → %ds\n", entry.BalanceAfter)
	}
}
