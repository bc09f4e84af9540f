package main

import (
	"errors"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	skein "github.com/skeinworks/skein"
)

var (
	flagRoot    string
	flagSession string
	flagNoColor bool
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true)
)

var rootCmd = &cobra.Command{
	Use:           "skein",
	Short:         "File-backed task/QA coordination for concurrent worker sessions",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor || !term.IsTerminal(int(os.Stdout.Fd())) || termenv.EnvColorProfile() == termenv.Ascii {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", defaultRoot(), "data root directory")
	rootCmd.PersistentFlags().StringVarP(&flagSession, "session", "s", os.Getenv("SKEIN_SESSION"), "acting session id")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable styled output")
}

func defaultRoot() string {
	if root := os.Getenv("SKEIN_ROOT"); root != "" {
		return root
	}
	return ".skein"
}

// open wires the substrate at the configured root.
func open() (*skein.Substrate, error) {
	return skein.Open(flagRoot)
}

var errMissingSession = errors.New("no acting session: pass --session or set SKEIN_SESSION")

// requireSession fetches the acting session id from the flag or environment.
func requireSession() (string, error) {
	if flagSession == "" {
		return "", errMissingSession
	}
	return flagSession, nil
}
