package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/brightlamp-ai/brightlamp/cmd/brightlamp/internal/config"
	"github.com/brightlamp-ai/brightlamp/pkg/conv"
	"github.com/brightlamp-ai/brightlamp/pkg/llm"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage conversation sessions",
	Long: `Inspect and manage the sessions in the shared store.

The commands operate on the same data directory the server uses, so
run them against a stopped server or a separate data_dir.

Examples:
  brightlamp sessions list
  brightlamp sessions seed conv-123 user-42 --type solving --var student_name=小明
  brightlamp sessions end conv-123`,
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f"))
)

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions in the active set",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		db, err := openKV(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		store := &conv.Store{KV: db}

		ctx := context.Background()
		ids, err := store.ActiveSessions(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			rec, err := store.Session(ctx, id)
			if err != nil {
				// Metadata expired but the active-set member lingers.
				rows = append(rows, []string{id, "-", "-", "-", "expired", "-", "-"})
				continue
			}
			connected := "no"
			if rec.Connected {
				connected = "yes"
			}
			rows = append(rows, []string{
				id,
				rec.UserID,
				rec.Type,
				rec.State,
				rec.Status,
				connected,
				rec.LastActiveAt.Format(time.RFC3339),
			})
		}
		fmt.Println(renderTable(
			[]string{"CONVERSATION", "USER", "TYPE", "STATE", "STATUS", "CONNECTED", "LAST ACTIVE"},
			rows,
		))
		return nil
	},
}

// renderTable lays out a padded column table with a styled header.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(s string, w int) string {
		return s + strings.Repeat(" ", w-lipgloss.Width(s))
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
		b.WriteString("  ")
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			switch cell {
			case "yes":
				b.WriteString(liveStyle.Render(pad(cell, widths[i])))
			case "-", "no", "expired":
				b.WriteString(dimStyle.Render(pad(cell, widths[i])))
			default:
				b.WriteString(pad(cell, widths[i]))
			}
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	flagSeedType    string
	flagSeedVars    []string
	flagSeedMessage string
)

var sessionsSeedCmd = &cobra.Command{
	Use:   "seed <conversation_id> <user_id>",
	Short: "Seed a session and print its connection token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if cfg.TokenSecret == "" {
			return fmt.Errorf("token_secret is required to issue a connection token")
		}
		db, err := openKV(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		store := &conv.Store{KV: db}

		convID, userID := args[0], args[1]
		vars := make(map[string]string, len(flagSeedVars))
		for _, kvPair := range flagSeedVars {
			k, v, ok := strings.Cut(kvPair, "=")
			if !ok {
				return fmt.Errorf("invalid --var %q, want key=value", kvPair)
			}
			vars[k] = v
		}

		err = store.SeedSession(context.Background(), conv.Seed{
			ConversationID:     convID,
			UserID:             userID,
			Type:               flagSeedType,
			Vars:               vars,
			InitialUserMessage: flagSeedMessage,
		})
		if err != nil {
			return err
		}

		token, err := conv.IssueToken([]byte(cfg.TokenSecret), convID, userID, conv.DefaultTokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("Session %q seeded (type: %s).\n", convID, flagSeedType)
		fmt.Printf("Connect: /ws/conversation/%s?token=%s\n", convID, token)
		return nil
	},
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <conversation_id>",
	Short: "Finalize a session: archive the transcript and drop its keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		db, err := openKV(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		store := &conv.Store{KV: db}

		archiver, err := newArchiver(cfg)
		if err != nil {
			return err
		}
		var summarizer llm.Completer
		if cfg.Ark.APIKey != "" {
			summarizer = &llm.Ark{
				Client: llm.NewArkClient(cfg.Ark.APIKey, cfg.Ark.BaseURL),
				Model:  cfg.Ark.Model,
			}
		}

		if err := store.Finalize(context.Background(), args[0], summarizer, archiver); err != nil {
			return err
		}
		fmt.Printf("Session %q finalized.\n", args[0])
		return nil
	},
}

func init() {
	sessionsSeedCmd.Flags().StringVar(&flagSeedType, "type", "chat", "session type (solving, chat)")
	sessionsSeedCmd.Flags().StringSliceVar(&flagSeedVars, "var", nil, "context variable, key=value (repeatable)")
	sessionsSeedCmd.Flags().StringVar(&flagSeedMessage, "message", "", "initial user message spoken on connect")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSeedCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	rootCmd.AddCommand(sessionsCmd)
}
