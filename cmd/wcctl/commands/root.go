package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okLabel   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	keyLabel  = color.New(color.FgCyan).SprintFunc()
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wcctl",
		Short:         "Offline tools for pairing URIs, keys, relay JWTs and CACAOs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(uriCmd(), keygenCmd(), jwtCmd(), cacaoCmd(), identityCmd())
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printField(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "%s %v\n", keyLabel(name+":"), value)
}
