package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// Priority order for top-level commands in help output
var commandPriority = []string{"record", "inspect", "version", "completion", "help"}

func setupHelpCommand(rootCmd *cobra.Command) {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != cmd.Root() {
			// Subcommands keep cobra's default layout
			if cmd.Long != "" {
				fmt.Fprintln(cmd.OutOrStdout(), cmd.Long)
				fmt.Fprintln(cmd.OutOrStdout())
			}
			fmt.Fprint(cmd.OutOrStdout(), cmd.UsageString())
			return
		}
		printRootHelpOrdered(cmd.OutOrStdout(), cmd)
	})
}

// printRootHelpOrdered prints the root help with commands ordered by priority
func printRootHelpOrdered(w io.Writer, cmd *cobra.Command) {
	priorityIndex := map[string]int{}
	for i, name := range commandPriority {
		priorityIndex[name] = i
	}

	if cmd.Long != "" {
		fmt.Fprintln(w, cmd.Long)
	} else if cmd.Short != "" {
		fmt.Fprintln(w, cmd.Short)
	}

	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintf(w, "  %s [flags]\n", cmd.Name())
	fmt.Fprintf(w, "  %s [command]\n", cmd.Name())

	commands := []*cobra.Command{}
	for _, c := range cmd.Commands() {
		if !c.IsAvailableCommand() || c.Hidden {
			continue
		}
		commands = append(commands, c)
	}

	sort.SliceStable(commands, func(i, j int) bool {
		ci, cj := commands[i], commands[j]
		pi, okI := priorityIndex[ci.Name()]
		pj, okJ := priorityIndex[cj.Name()]
		switch {
		case okI && okJ:
			return pi < pj
		case okI:
			return true
		case okJ:
			return false
		}
		return ci.Name() < cj.Name()
	})

	fmt.Fprintln(w, "\nAvailable Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-14s %s\n", c.Name(), c.Short)
	}

	fmt.Fprintln(w, "\nFlags:")
	fmt.Fprint(w, cmd.Flags().FlagUsages())

	fmt.Fprintf(w, "\nUse \"%s [command] --help\" for more information about a command.\n", cmd.Name())
}
