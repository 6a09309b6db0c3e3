package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("figure-service: version info not available")
			return
		}

		fmt.Printf("figure-service: %s\n", info.Main.Version)
		fmt.Printf("go:             %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:         %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:           %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:          %s\n", s.Value)
			}
		}
	},
}
