package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/state"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .evonest/ state in a project",
	Long: `Creates the .evonest/ directory with identity and config templates and
adds it to the project's .gitignore. Running init on an initialized
project is a no-op.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := newLogger()
		ps, err := state.New(projectDir, state.WithLogger(logger))
		if err != nil {
			return err
		}
		already := ps.Initialized()
		if err := ps.InitProject(); err != nil {
			return err
		}
		if already {
			fmt.Println("project already initialized:", ps.Dir())
		} else {
			fmt.Println("initialized:", ps.Dir())
			fmt.Println("next: edit identity.md, then run `evonest analyze`")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
