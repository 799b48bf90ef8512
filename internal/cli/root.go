// Package cli implements the escanv command line client: one-shot scans
// against the scan engine and an interactive remediation chat.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hugh/escanv/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "0.1.0"

// NewRootCmd builds the command tree around its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	root := &cobra.Command{
		Use:           "escanv",
		Short:         "Vulnerability scans and remediation chat from the terminal",
		Long:          "E-scanV client: submit a target to the scan engine, follow its progress and ask the assistant how to remediate what it found.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")
	_ = v.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	// Environment variable support (ESCANV_SCAN_ENGINE_URL, etc.)
	v.SetEnvPrefix("ESCANV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newScanCmd(v))
	root.AddCommand(newChatCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, v *viper.Viper) *slog.Logger {
	level := slog.LevelWarn
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "escanv %s\n", Version)
		},
	}
}
