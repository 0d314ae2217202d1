package servecmder

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielkorat/vllm-chat/pkg/logger"
	"github.com/danielkorat/vllm-chat/server"
)

const serveLongDesc string = `Run the chat server.

Serves the conversation API and relays generations from an
OpenAI-compatible upstream (a local vLLM server by default),
streaming partial results to clients as NDJSON.

Examples:
  vllm-chat serve
  vllm-chat serve --upstream http://localhost:8000/v1 --model Qwen/Qwen3-8B
  vllm-chat serve --config ~/.vllm-chat/config.toml --db ~/.vllm-chat/chat.db`

const serveShortDesc string = "Run the chat server"

type serveCommander struct {
	configPath  string
	listenAddr  string
	upstreamURL string
	apiKey      string
	model       string
	dbPath      string
	noStream    bool
	debug       bool
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to TOML config file")
	cmd.Flags().StringVar(&cmder.listenAddr, "listen", "", "Address to listen on")
	cmd.Flags().StringVar(&cmder.upstreamURL, "upstream", "", "Upstream OpenAI-compatible base URL")
	cmd.Flags().StringVar(&cmder.apiKey, "api-key", "", "Bearer token for the upstream")
	cmd.Flags().StringVar(&cmder.model, "model", "", "Model name to request")
	cmd.Flags().StringVar(&cmder.dbPath, "db", "", "Path to SQLite database (default: in-memory)")
	cmd.Flags().BoolVar(&cmder.noStream, "no-stream", false, "Use non-streaming completions")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (c *serveCommander) run(cmd *cobra.Command) error {
	config, err := c.buildConfig()
	if err != nil {
		return err
	}

	log := logger.New(config.Debug)
	defer log.Sync()

	log.Info("vllm-chat starting",
		zap.String("listen", config.ListenAddr),
		zap.String("upstream", config.UpstreamURL),
		zap.String("model", config.Model),
		zap.Bool("streaming", config.Streaming),
	)

	srv, err := server.New(config, log)
	if err != nil {
		return err
	}

	if c.configPath != "" {
		stop, err := srv.WatchConfig(c.configPath)
		if err != nil {
			log.Warn("config watching disabled", zap.Error(err))
		} else {
			defer stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		srv.Close()
	}()

	return srv.Run()
}

// buildConfig layers flags over the config file over built-in
// defaults.
func (c *serveCommander) buildConfig() (server.Config, error) {
	config := server.DefaultConfig()

	if c.configPath != "" {
		loaded, err := server.LoadConfig(c.configPath)
		if err != nil {
			return config, err
		}
		config = loaded
	}

	if c.listenAddr != "" {
		config.ListenAddr = c.listenAddr
	}
	if c.upstreamURL != "" {
		config.UpstreamURL = c.upstreamURL
	}
	if c.apiKey != "" {
		config.APIKey = c.apiKey
	}
	if c.model != "" {
		config.Model = c.model
	}
	if c.dbPath != "" {
		config.DBPath = c.dbPath
	}
	if c.noStream {
		config.Streaming = false
	}
	if c.debug {
		config.Debug = true
	}

	return config, nil
}
