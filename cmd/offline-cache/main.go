package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serverFlags struct {
	c              string
	origin         string
	listen         string
	verbosityTrace bool
	logFile        string
	asService      bool
}

var (
	rootCmd = &cobra.Command{
		Use:   "offline-cache",
		Short: "Offline-first caching proxy.",
	}

	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}

	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file]",
		Short: "Start the caching proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				return runAsService(sf)
			}
			return StartServer(sf, nil)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVar(&sf.origin, "origin", "", "origin URL to proxy to (overrides config)")
	fs.StringVar(&sf.listen, "listen", "", "address to listen on (overrides config)")
	fs.BoolVar(&sf.verbosityTrace, "vv", false, "verbosity: trace logging")
	fs.StringVar(&sf.logFile, "log-file", "", "log file to use (in addition to stdout)")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the program version.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	})

	rootCmd.AddCommand(newServiceCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}
