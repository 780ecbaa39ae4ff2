package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/state"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit project configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the resolved value of a dotted config key",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ps, err := state.New(projectDir)
		if err != nil {
			return err
		}
		value, err := config.Get(ps, args[0])
		if err != nil {
			return err
		}
		out, err := json.Marshal(value)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and persist a dotted-key assignment",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ps, err := state.New(projectDir)
		if err != nil {
			return err
		}
		if err := config.Set(ps, args[0], coerceValue(args[1])); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
