package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// options is the resolved client configuration. Flags win over
// DEPLOYCHAT_* environment variables, which win over defaults.
type options struct {
	URL                  string
	APIKey               string
	Profile              string
	QueueSize            int
	MaxReconnectAttempts int
	Verbose              bool
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "deployctl",
		Short: "Chat with the deployment assistant from a terminal",
		Long: `deployctl opens a persistent chat session with the deployment assistant.
Paste a GitHub repository URL or use /deploy to start a deployment and
watch its progress stage by stage.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	configure(v, cmd)
	return cmd
}

// configure declares the flags and binds them, plus DEPLOYCHAT_* variables, to v.
func configure(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("url", "ws://localhost:8080/ws", "chat endpoint base address")
	flags.String("api-key", "", "API key (overrides the stored profile key)")
	flags.String("profile", "", "profile file (default is the user config dir)")
	flags.Int("queue-size", 100, "frames kept while disconnected")
	flags.Int("max-reconnect-attempts", 10, "reconnect attempts before giving up")
	flags.BoolP("verbose", "v", false, "log transport activity to stderr")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix("DEPLOYCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadOptions(v *viper.Viper) (options, error) {
	opts := options{
		URL:                  strings.TrimSpace(v.GetString("url")),
		APIKey:               strings.TrimSpace(v.GetString("api-key")),
		Profile:              v.GetString("profile"),
		QueueSize:            v.GetInt("queue-size"),
		MaxReconnectAttempts: v.GetInt("max-reconnect-attempts"),
		Verbose:              v.GetBool("verbose"),
	}
	if opts.URL == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if opts.QueueSize <= 0 {
		return options{}, fmt.Errorf("queue-size must be > 0, got %d", opts.QueueSize)
	}
	if opts.MaxReconnectAttempts <= 0 {
		return options{}, fmt.Errorf("max-reconnect-attempts must be > 0, got %d", opts.MaxReconnectAttempts)
	}
	return opts, nil
}

func (o options) logLevel() slog.Level {
	if o.Verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
