package cmd

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Work with pending proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending proposals, oldest first",
	RunE: func(_ *cobra.Command, _ []string) error {
		eng, err := buildEngine(false)
		if err != nil {
			return err
		}
		proposals, err := eng.ps.ListProposals()
		if err != nil {
			return err
		}
		if len(proposals) == 0 {
			fmt.Println("no pending proposals")
			return nil
		}
		for _, p := range proposals {
			fmt.Printf("%s  %s\n", p.Filename, p.Title)
		}
		return nil
	},
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show <filename>",
	Short: "Render a proposal in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		eng, err := buildEngine(false)
		if err != nil {
			return err
		}
		body, err := eng.ps.ReadProposal(args[0])
		if err != nil {
			return err
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			fmt.Println(body)
			return nil
		}
		out, err := renderer.Render(body)
		if err != nil {
			fmt.Println(body)
			return nil
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	proposalsCmd.AddCommand(proposalsListCmd, proposalsShowCmd)
	rootCmd.AddCommand(proposalsCmd)
}
