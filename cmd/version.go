package cmd

import (
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/capture/internal/util"
	"github.com/babelcloud/gbox/packages/capture/internal/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			util.RenderTable(cmd.OutOrStdout(), []util.TableColumn{
				{Header: "FIELD", Key: "key"},
				{Header: "VALUE", Key: "value"},
			}, version.Info())
			return nil
		},
	}
}
