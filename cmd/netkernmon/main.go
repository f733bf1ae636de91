// Command netkernmon is a terminal dashboard for a running netkernd: it
// scrapes netkernd's Prometheus endpoint on an interval and renders the
// current gauges/counters as a table, the bubbletea/bubbles/lipgloss
// descendant of Splat-NDPeekr's raw-ANSI refresh loop in lib/display.go.
package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	addr    string
	refresh time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "netkernmon",
		Short: "Watch a running netkernd's exported metrics in a terminal dashboard",
		RunE:  run,
	}
	var flags *pflag.FlagSet = root.Flags()
	flags.StringVarP(&addr, "addr", "a", "http://localhost:9090/metrics", "netkernd metrics URL to scrape")
	flags.DurationVarP(&refresh, "refresh", "r", 2*time.Second, "scrape/redraw interval")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newModel(addr, refresh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
