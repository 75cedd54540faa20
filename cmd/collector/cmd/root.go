package cmd

import (
	"github.com/samber/do"
	"github.com/spf13/cobra"
)

func NewRootCmd(injector *do.Injector) *cobra.Command {
	c := &cobra.Command{
		Use:           "collector",
		Short:         "athlete session data collection tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(c *cobra.Command, args []string) {
			c.Help()
		},
	}

	c.AddCommand(newCollectCmd(injector))

	return c
}
