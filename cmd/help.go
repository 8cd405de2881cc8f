package cmd

import (
	"fmt"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// commandOrder lists top-level commands in the order help shows them.
var commandOrder = []string{"stream", "devices", "server", "version", "completion", "help"}

func setupHelpCommand(root *cobra.Command) {
	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != root {
			defaultHelp(cmd, args)
			return
		}
		printRootHelp(cmd)
	})
}

func printRootHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	if cmd.Long != "" {
		fmt.Fprintln(out, cmd.Long)
	} else {
		fmt.Fprintln(out, cmd.Short)
	}

	fmt.Fprintln(out, color.New(color.Bold).Sprint("\nUsage:"))
	fmt.Fprintf(out, "  %s [command] [flags]\n", cmd.Name())

	commands := []*cobra.Command{}
	for _, c := range cmd.Commands() {
		if c.IsAvailableCommand() || c.Name() == "help" {
			commands = append(commands, c)
		}
	}
	rank := func(c *cobra.Command) int {
		if i := slices.Index(commandOrder, c.Name()); i >= 0 {
			return i
		}
		return len(commandOrder)
	}
	slices.SortStableFunc(commands, func(a, b *cobra.Command) int {
		if d := rank(a) - rank(b); d != 0 {
			return d
		}
		if a.Name() < b.Name() {
			return -1
		}
		if a.Name() > b.Name() {
			return 1
		}
		return 0
	})

	fmt.Fprintln(out, color.New(color.Bold).Sprint("\nAvailable Commands:"))
	for _, c := range commands {
		fmt.Fprintf(out, "  %-12s %s\n", c.Name(), c.Short)
	}

	fmt.Fprintln(out, color.New(color.Bold).Sprint("\nFlags:"))
	fmt.Fprint(out, cmd.Flags().FlagUsages())

	fmt.Fprintf(out, "\nUse \"%s [command] --help\" for more information about a command.\n", cmd.Name())
}
