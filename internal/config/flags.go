package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FlagBinding maps a command-line flag onto a configuration key.
type FlagBinding struct {
	Key  string
	Flag string
}

// BindFlags binds each flag of flags to its configuration key on configViper.
func BindFlags(configViper *viper.Viper, flags *pflag.FlagSet, bindings []FlagBinding) error {
	for _, binding := range bindings {
		flag := flags.Lookup(binding.Flag)
		if flag == nil {
			return fmt.Errorf("flag %q is not defined", binding.Flag)
		}
		if err := configViper.BindPFlag(binding.Key, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", binding.Flag, err)
		}
	}
	return nil
}

// ReadConfigFile loads path into configViper. An empty path searches the default locations and a
// missing default file is not an error; an explicit path must exist.
func ReadConfigFile(configViper *viper.Viper, path string) error {
	if path != "" {
		configViper.SetConfigFile(path)
	} else {
		configViper.SetConfigName("chatroom")
		configViper.AddConfigPath(".")
	}

	if err := configViper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &configNotFound) {
			return nil
		}
		return err
	}
	return nil
}
