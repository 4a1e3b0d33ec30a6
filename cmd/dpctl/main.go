// dpctl creates, inspects and modifies Open vSwitch kernel datapaths.
//
// Run without arguments, or with "shell", it starts an interactive
// shell with tab completion.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/psaab/ovsdp/pkg/cli"
	"github.com/psaab/ovsdp/pkg/cmdtree"
	"github.com/psaab/ovsdp/pkg/dpif"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dpctl: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() (*cli.CLI, error) {
	sys, err := dpif.DefaultSystem()
	if err != nil {
		return nil, err
	}
	return cli.New(sys, os.Stdout), nil
}

// command builds a cobra command that runs fn with a CLI. Usage and
// help text come from the shared command tree.
func command(name string, args cobra.PositionalArgs, fn func(c *cli.CLI, args []string) error) *cobra.Command {
	node := cmdtree.Commands[name]
	use := name
	if node.Usage != "" {
		use += " " + node.Usage
	}
	return &cobra.Command{
		Use:   use,
		Short: node.Desc,
		Args:  args,
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newCLI()
			if err != nil {
				return err
			}
			return fn(c, args)
		},
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dpctl",
		Short:         "Manage Open vSwitch kernel datapaths",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell()
		},
	}
	root.AddCommand(
		command("dump-dps", cobra.NoArgs, func(c *cli.CLI, _ []string) error {
			return c.DumpDPs()
		}),
		command("add-dp", cobra.MinimumNArgs(1), func(c *cli.CLI, args []string) error {
			return c.AddDP(args[0], args[1:]...)
		}),
		command("del-dp", cobra.ExactArgs(1), func(c *cli.CLI, args []string) error {
			return c.DelDP(args[0])
		}),
		command("add-if", cobra.MinimumNArgs(2), func(c *cli.CLI, args []string) error {
			return c.AddIf(args[0], args[1:]...)
		}),
		command("del-if", cobra.MinimumNArgs(2), func(c *cli.CLI, args []string) error {
			return c.DelIf(args[0], args[1:]...)
		}),
		command("show", cobra.ArbitraryArgs, func(c *cli.CLI, args []string) error {
			return c.Show(args...)
		}),
		command("dump-flows", cobra.ExactArgs(1), func(c *cli.CLI, args []string) error {
			return c.DumpFlows(args[0])
		}),
		command("del-flows", cobra.ExactArgs(1), func(c *cli.CLI, args []string) error {
			return c.DelFlows(args[0])
		}),
		&cobra.Command{
			Use:   "shell",
			Short: "Start the interactive shell",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return runShell()
			},
		},
	)
	return root
}

func runShell() error {
	c, err := newCLI()
	if err != nil {
		return err
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dpctl> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &cli.Completer{Src: c.Source()},
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Type 'help' or '?' for commands")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := c.Exec(line); err != nil {
			if err == cli.ErrExit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func historyFile() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/dpctl_history"
	}
	return ""
}
