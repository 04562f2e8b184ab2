// pycoder is an educational Python tutor backed by a hosted chat-completion API.
//
//	pycoder serve    start the web UI
//	pycoder chat     chat in the terminal
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comigor/pycoder/internal/agent"
	"github.com/comigor/pycoder/internal/config"
	"github.com/comigor/pycoder/internal/logger"
	"github.com/comigor/pycoder/internal/terminal"
	"github.com/comigor/pycoder/internal/web"
)

var (
	configPath string
	logLevel   string
	host       string
	port       string
)

var rootCmd = &cobra.Command{
	Use:   "pycoder",
	Short: "DSA AI Coder - Python tutor chat",
	Long: `pycoder forwards Python programming questions to a Groq-hosted model
and renders the conversation, either as a web page or in the terminal.

The API key is read from GROQ_API_KEY (or a .env file) and can be
overridden per session.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load(nil)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := web.New(*cfg, agent.NewClientFactory(cfg.LLM))
		return srv.Start(ctx)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		// keep log records out of the conversation
		cfg, err := load(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		factory := agent.NewClientFactory(cfg.LLM)
		repl := terminal.New(cmd.InOrStdin(), cmd.OutOrStdout(), func() *agent.Controller {
			return agent.New(*cfg, factory, cfg.LLM.APIKey)
		})
		return repl.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or $CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&host, "host", "", "listen host")
	serveCmd.Flags().StringVar(&port, "port", "", "listen port")

	rootCmd.AddCommand(serveCmd, chatCmd)
}

// load reads the configuration and sets up logging to logOut (stdout when nil).
func load(logOut io.Writer) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format, logOut)
	if cfg.LLM.APIKey == "" {
		logger.L.Warn("no default API key configured; sessions start without a credential", "env", config.EnvAPIKey)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
