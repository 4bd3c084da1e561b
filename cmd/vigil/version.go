package vigil

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vigilcam/vigil/pkg/version"
)

func newVersionCommand() *cobra.Command {
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Get())
		},
	}
	return versionCmd
}
