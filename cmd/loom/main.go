package main

import (
	"os"
	"strings"

	"github.com/go-go-golems/loom/cmd/loom/cmds"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "loom edits branching chat files and generates replies into them",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(viper.GetViper(), cmd); err != nil {
				return err
			}
			if err := setupLogging(settingsFromViper(viper.GetViper()), os.Stderr); err != nil {
				return err
			}
			log.Debug().Str("config", viper.ConfigFileUsed()).Str("command", cmd.CommandPath()).Msg("starting")
			return nil
		},
		SilenceUsage: true,
	}

	f := rootCmd.PersistentFlags()
	f.String("config", "", "Config file (default: loom.yaml in ., $XDG_CONFIG_HOME/loom or ~/.loom)")
	f.String("log-level", "info", "trace, debug, info, warn or error")
	f.String("log-format", "text", "text or json")
	f.String("log-file", "", "Also write logs to this file, rotated")
	f.Bool("with-caller", false, "Add the caller to log lines")
	f.Bool("verbose", false, "Debug logs and step events")
	f.String("openai-api-key", "", "OpenAI API key")
	f.String("openai-base-url", "", "Base URL of an OpenAI compatible API")
	f.Bool("allow-local-endpoints", false, "Accept plain http and local network API endpoints")
	f.String("resources", "", "Directory holding character, lorebook, preset and setting files")
	f.StringSlice("include", nil, "Only load resource files matching these globs")
	f.String("preset", "", "Name of the preset to use (default: first loaded)")
	f.String("model", "", "Chat model, overriding the model config")

	cmds.Register(rootCmd)
	return rootCmd
}

// loadConfig reads the config file, then layers LOOM_* variables and the
// root persistent flags on top of it. A missing config file is only an
// error when it was named with --config.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("loom")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/loom")
		}
		v.AddConfigPath("$HOME/.loom")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return errors.Wrap(err, "could not read config")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
