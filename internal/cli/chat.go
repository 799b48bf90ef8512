package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/hugh/escanv/internal/api/validation"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/findings"
	"github.com/hugh/escanv/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var promptColor = color.New(color.FgCyan, color.Bold)

func newChatCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask the remediation assistant about scan findings",
		Long:  "Starts an interactive chat. Pass --findings with a file written by 'escanv scan -o' to ground the assistant in real results. Type 'exit' to leave.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), v)

			var scanFindings []findings.Finding
			if path := v.GetString("chat_findings"); path != "" {
				scanFindings, err = loadFindings(path)
				if err != nil {
					return err
				}
			}

			gateway := assistant.NewGateway(assistant.GatewayConfig{
				URL:     cfg.Assistant.GatewayURL,
				APIKey:  cfg.Assistant.APIKey,
				Model:   cfg.Assistant.Model,
				Timeout: cfg.Assistant.Timeout(),
			}, logger)
			a := assistant.New(gateway, nil, logger)
			conv := assistant.NewConversation(uuid.NewString())

			out := cmd.OutOrStdout()
			if !v.GetBool("chat_quiet") {
				printBanner(out)
			}
			if len(scanFindings) > 0 {
				dimColor.Fprintf(out, "Loaded %d findings.\n", len(scanFindings))
			}

			in := bufio.NewScanner(cmd.InOrStdin())
			in.Buffer(make([]byte, 0, 4096), validation.MaxMessageLength*4)

			for {
				promptColor.Fprint(out, "> ")
				if !in.Scan() {
					fmt.Fprintln(out)
					return in.Err()
				}

				line := strings.TrimSpace(in.Text())
				switch line {
				case "":
					continue
				case "exit", "quit":
					return nil
				}

				// Interrupt cancels the reply, not the session.
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				_, err := a.SendMessage(ctx, conv, line, scanFindings, func(delta string) {
					fmt.Fprint(out, delta)
				})
				stop()
				fmt.Fprintln(out)

				switch {
				case err == nil:
				case errors.Is(err, assistant.ErrStreamAborted):
					dimColor.Fprintln(out, "(reply interrupted)")
				default:
					logger.Debug("assistant reply failed", "error", err)
					failColor.Fprintln(out, assistant.Notice(err))
				}
			}
		},
	}

	cmd.Flags().String("findings", "", "JSON file with findings or a saved scan snapshot")
	cmd.Flags().String("gateway-url", "", "Chat completion endpoint")
	cmd.Flags().String("api-key", "", "Chat completion API key")
	cmd.Flags().String("model", "", "Model to request")
	cmd.Flags().BoolP("quiet", "q", false, "Skip the banner")
	bindFlag(v, "chat_findings", cmd, "findings")
	bindFlag(v, "ASSISTANT_GATEWAY_URL", cmd, "gateway-url")
	bindFlag(v, "ASSISTANT_API_KEY", cmd, "api-key")
	bindFlag(v, "ASSISTANT_MODEL", cmd, "model")
	bindFlag(v, "chat_quiet", cmd, "quiet")

	return cmd
}

// loadFindings reads either a bare findings array or a scan snapshot.
func loadFindings(path string) ([]findings.Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading findings: %w", err)
	}

	var list []findings.Finding
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &list)
	} else {
		var snap struct {
			Findings []findings.Finding `json:"findings"`
		}
		err = json.Unmarshal(data, &snap)
		list = snap.Findings
	}
	if err != nil {
		return nil, fmt.Errorf("parsing findings %s: %w", path, err)
	}
	return list, nil
}
