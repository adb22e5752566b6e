// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "wsioctl",
		Short: "Drive WebSocket endpoints through an ioservice.IOService tick loop",
	}
	root.PersistentFlags().String("config", "", "config file (default $HOME/.wsioctl.yaml)")
	cobra.OnInitialize(func() {
		initConfig(v, root)
	})

	root.AddCommand(newConnectCmd(v))
	return root
}

func initConfig(v *viper.Viper, root *cobra.Command) {
	if cfgFile, _ := root.PersistentFlags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".wsioctl")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("WSIOCTL")
	v.AutomaticEnv()
	_ = v.ReadInConfig() // absence of a config file is not an error
}
