package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/oplog"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/session"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	flagSource   = "source"
	flagTarget   = "target"
	flagAudioOut = "audio-out"
	flagDevice   = "device"
	flagUser     = "user"
)

func newTranslateCommand(runtime *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "translate [flags] TEXT...",
		Short: "Translate text once and print the result",
		Example: `  translatord translate --source en --target es "good morning"
  translatord translate --source en --target de --device laptop-1 --audio-out out.mp3 "where is the station"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			return runTranslate(cmd.Context(), cmd.OutOrStdout(), runtime, translateOptions{
				Text:     strings.Join(args, " "),
				Source:   v.GetString(flagSource),
				Target:   v.GetString(flagTarget),
				AudioOut: v.GetString(flagAudioOut),
				Device:   v.GetString(flagDevice),
			})
		},
	}
	cmd.Flags().String(flagSource, "en", "source language code")
	cmd.Flags().String(flagTarget, "", "target language code (required)")
	cmd.Flags().String(flagAudioOut, "", "write synthesized audio to this file")
	cmd.Flags().String(flagDevice, "", "meter the translation against this device's balance")
	_ = cmd.MarkFlagRequired(flagTarget)
	return cmd
}

type translateOptions struct {
	Text     string
	Source   string
	Target   string
	AudioOut string
	Device   string
}

// newQuietLogger keeps one-shot commands readable: only errors reach stderr.
func newQuietLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	return cfg.Build()
}

func runTranslate(ctx context.Context, out io.Writer, runtime *runtimeConfig, options translateOptions) error {
	logger, err := newQuietLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	orchestrator, _, err := buildOrchestrator(runtime, logger, nil)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	var (
		result  translation.Translation
		summary *ledger.SessionSummary
	)
	if options.Device == "" {
		result, err = orchestrator.Translate(ctx, options.Text, options.Source, options.Target)
	} else {
		var outcome session.Outcome
		outcome, err = translateMetered(ctx, runtime, logger, orchestrator, options)
		result, summary = outcome.Translation, &outcome.Summary
	}
	if err != nil {
		printFailure(out, err)
		return err
	}
	printTranslation(out, result, summary)

	if options.AudioOut != "" && len(result.Audio) > 0 {
		if err := os.WriteFile(options.AudioOut, result.Audio, 0o644); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		fmt.Fprintf(out, "audio written to %s (%d bytes)\n", options.AudioOut, len(result.Audio))
	}
	return nil
}

// translateMetered runs the translation inside a ledger session so the
// elapsed seconds are charged, or refunded when the translation fails.
func translateMetered(ctx context.Context, runtime *runtimeConfig, logger *zap.Logger, orchestrator *translation.Orchestrator, options translateOptions) (session.Outcome, error) {
	deviceID, err := ledger.NewDeviceID(options.Device)
	if err != nil {
		return session.Outcome{}, err
	}
	store, closeStore, err := openStore(ctx, runtime)
	if err != nil {
		return session.Outcome{}, fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()

	service, err := ledger.NewService(ctx, store, ledger.AnonymousScope(deviceID), time.Now, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return session.Outcome{}, err
	}
	controller := session.NewController(service, orchestrator, session.DefaultPolicy(), session.WithLogger(logger))
	if err := controller.Begin(ctx); err != nil {
		return session.Outcome{}, err
	}
	return controller.Translate(ctx, options.Text, options.Source, options.Target)
}

func printTranslation(out io.Writer, result translation.Translation, summary *ledger.SessionSummary) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	cyan.Fprintf(out, "%s → %s\n", result.SourceLang, result.TargetLang)
	green.Fprintln(out, result.Text)
	fmt.Fprintf(out, "confidence %.2f, %d attempt(s), source %s\n", result.Confidence, result.Attempts, result.Source)
	if result.FromFallback() {
		yellow.Fprintln(out, "served by fallback, audio unavailable")
	}
	if result.Warning != nil {
		yellow.Fprintf(out, "warning: %s\n", result.Warning.Error())
	}
	if summary != nil {
		fmt.Fprintf(out, "charged %ds, %ds remaining\n", summary.ChargedSeconds, summary.BalanceAfter)
	}
}

func printFailure(out io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	var failure *translation.Failure
	if !errors.As(err, &failure) {
		red.Fprintf(out, "error: %v\n", err)
		return
	}
	red.Fprintf(out, "%s: %s\n", failure.Kind, failure.Error())
	if failure.UserVisible() {
		fmt.Fprintln(out, "the translation service could not complete this request")
	}
}
