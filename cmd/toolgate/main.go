// Command toolgate runs the tool gateway. `serve` starts the HTTP gateway
// with the runtime registry, `stdio` serves one agent session over standard
// input and output, and `edge` runs a worker runtime hosting tool providers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skilder-ai/toolgate/config"
)

// version is set at build time.
var version = "dev"

type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Multi-tenant gateway routing agent tool calls to tool runtimes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("TOOLGATE_CONFIG"), "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logs")
	root.AddCommand(newServeCmd(g), newStdioCmd(g), newEdgeCmd(g))
	return root
}

// setup loads the configuration and returns a context carrying the clue
// logger, cancelled on SIGINT or SIGTERM. Logs go to stderr so that stdout
// stays free for the STDIO binding.
func (g *globalFlags) setup() (context.Context, context.CancelFunc, *config.Config, error) {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	if g.debug || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		g.debug = true
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		log.Errorf(ctx, err, "invalid configuration")
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, cancel, cfg, nil
}
