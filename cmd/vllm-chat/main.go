package main

import (
	"os"

	"github.com/spf13/cobra"

	servecmder "github.com/danielkorat/vllm-chat/cmd/vllm-chat/serve"
)

func main() {
	root := &cobra.Command{
		Use:   "vllm-chat",
		Short: "Chat server for OpenAI-compatible endpoints with branching regeneration",
		Long: `vllm-chat serves a conversation API over a local vLLM (or any
OpenAI-compatible) endpoint. It streams completions, merges reasoning
and answer channels, and tracks alternate regenerations per turn.`,
		SilenceUsage: true,
	}

	root.AddCommand(servecmder.NewServeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
