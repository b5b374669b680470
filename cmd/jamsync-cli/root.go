package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/jamsync/pkg/client"
)

var verboseLevel int

var rootCmd = &cobra.Command{
	Use:   "jamsync-cli",
	Short: "Terminal participant for jamsync recording sessions",
	Long: `jamsync-cli talks to a jamsync server: it logs in, creates or joins
a session, and follows the owner's synchronized start and stop signals.

The server URL and user session token come from --server / --token or the
JAMSYNC_SERVER / JAMSYNC_TOKEN environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix("jamsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "server base URL")
	rootCmd.PersistentFlags().String("token", "", "user session token (usid cookie)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(recordingsCmd)
}

func setupLogging(level int) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	switch level {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func newAPI() *client.API {
	return client.NewAPI(viper.GetString("server"), viper.GetString("token"))
}

func requireToken() error {
	if viper.GetString("token") == "" {
		return fmt.Errorf("no user session: run 'jamsync-cli login <name>' and export JAMSYNC_TOKEN")
	}
	return nil
}
