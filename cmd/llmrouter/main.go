// Package main is the entry point for the llmrouter gateway.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/ledger"
	"github.com/howard-nolan/llmrouter/internal/logging"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/server"
)

var configPath string

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func main() {
	root := &cobra.Command{
		Use:   "llmrouter",
		Short: "llmrouter is an LLM API gateway: protocol translation, retries, and rate limits in front of OpenAI/Anthropic/Gemini-shaped upstreams.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the gateway's config file")

	root.AddCommand(serveCmd(), validateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("config ok"))
			fmt.Printf("%s %d\n", labelStyle.Render("upstreams:"), len(settings.Upstreams))
			fmt.Printf("%s %d\n", labelStyle.Render("models:"), len(settings.Models))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "rotate the forward_token and print the new value",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.NewStore(configPath)
			if err != nil {
				return err
			}
			token, err := store.RefreshForwardToken()
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func runServe() error {
	store, err := config.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	settings := store.Get()

	log, err := logging.New()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	sink := ledger.NewMemorySink()
	limitState := forward.NewLimitState(sink)
	latencyTracker := forward.NewLatencyTracker()
	m := metrics.New()

	unaryClient, err := forward.NewUnaryClient(settings.Proxy)
	if err != nil {
		return fmt.Errorf("building unary client: %w", err)
	}
	streamClient, err := forward.NewStreamingClient(settings.Proxy)
	if err != nil {
		return fmt.Errorf("building streaming client: %w", err)
	}

	deps := &server.Deps{
		Store:        store,
		Limits:       limitState,
		Ledger:       sink,
		Log:          log,
		Metrics:      m,
		Latency:      latencyTracker,
		UnaryClient:  unaryClient,
		StreamClient: streamClient,
	}
	srv := server.New(deps)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Server.Port),
		Handler:      srv,
		ReadTimeout:  settings.Server.ReadTimeout,
		WriteTimeout: settings.Server.WriteTimeout,
	}

	printBanner(settings)
	log.Info("server_start", "llmrouter listening", "port", settings.Server.Port)

	return httpServer.ListenAndServe()
}

func printBanner(settings *config.Settings) {
	fmt.Println(titleStyle.Render("llmrouter"))
	fmt.Printf("%s %s\n", labelStyle.Render("port:"), valueStyle.Render(fmt.Sprintf("%d", settings.Server.Port)))
	fmt.Printf("%s %s\n", labelStyle.Render("upstreams:"), valueStyle.Render(fmt.Sprintf("%d", len(settings.Upstreams))))
	fmt.Printf("%s %s\n", labelStyle.Render("models:"), valueStyle.Render(fmt.Sprintf("%d", len(settings.Models))))
	fmt.Printf("%s %s\n", labelStyle.Render("retry_fallback:"), valueStyle.Render(fmt.Sprintf("%v", settings.EnableRetryFallback)))
}
