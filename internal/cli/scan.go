package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/hugh/escanv/internal/api/validation"
	"github.com/hugh/escanv/internal/scan"
	"github.com/hugh/escanv/internal/scanengine"
	"github.com/hugh/escanv/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newScanCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <target>",
		Short: "Scan a domain, IP, CIDR range or URL and print the findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if ok, msg := validation.ValidateTarget(target); !ok {
				return errors.New(msg)
			}

			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), v)

			engine := scanengine.NewClient(scanengine.Config{
				BaseURL: cfg.ScanEngine.URL,
				APIKey:  cfg.ScanEngine.APIKey,
				Timeout: cfg.ScanEngine.Timeout(),
			}, logger)
			sess := scan.NewSession(uuid.NewString(), engine, scan.Config{
				PollInterval:     cfg.ScanEngine.PollInterval(),
				InitialPollDelay: cfg.ScanEngine.InitialPollDelay(),
				ProgressFloor:    cfg.ScanEngine.ProgressFloor,
				ProgressCap:      cfg.ScanEngine.ProgressCap,
			}, logger)

			out := cmd.OutOrStdout()
			var lastMsg string
			lastProgress := -1
			unsubscribe := sess.Subscribe(func(snap scan.Snapshot) {
				if snap.Progress == lastProgress && snap.StatusMessage == lastMsg {
					return
				}
				lastProgress, lastMsg = snap.Progress, snap.StatusMessage
				printProgress(out, snap)
			})
			defer unsubscribe()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			fmt.Fprintf(out, "Scanning %s\n", target)
			if err := sess.Start(target); err != nil {
				return err
			}

			select {
			case <-sess.Done():
			case <-ctx.Done():
				sess.Reset()
				return errors.New("scan cancelled")
			}

			snap := sess.Snapshot()
			if snap.State == scan.StateFailed {
				return fmt.Errorf("scan failed: %s", snap.Error)
			}

			fmt.Fprintln(out)
			printFindings(out, snap.Findings)

			if path := v.GetString("scan_output"); path != "" {
				if err := writeSnapshot(path, snap); err != nil {
					return err
				}
				fmt.Fprintf(out, "Results saved to %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().String("engine-url", "", "Scan engine endpoint")
	cmd.Flags().String("engine-key", "", "Scan engine API key")
	cmd.Flags().Int("poll-interval-ms", 0, "Status poll interval in milliseconds")
	cmd.Flags().StringP("output", "o", "", "Write the final snapshot as JSON to this file")
	bindFlag(v, "SCAN_ENGINE_URL", cmd, "engine-url")
	bindFlag(v, "SCAN_ENGINE_API_KEY", cmd, "engine-key")
	bindFlag(v, "SCAN_POLL_INTERVAL_MS", cmd, "poll-interval-ms")
	bindFlag(v, "scan_output", cmd, "output")

	return cmd
}

// bindFlag binds a flag to a config key; the flag only wins when set.
func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	_ = v.BindPFlag(key, cmd.Flags().Lookup(name))
}

func writeSnapshot(path string, snap scan.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return nil
}
