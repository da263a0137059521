/*
Copyright © 2018 the xcube authors.
This file is part of xcube.

xcube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

xcube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with xcube.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package xcubeutil wires the cube generation pipeline into a command
// line tool: configuration handling, data store setup and the commands
// themselves.
package xcubeutil

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dcs4cop/xcube"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to xcube.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "request",
			usage: `
              request specifies the location of the JSON file holding the
              cube generation request: its inputs, the output dataset, the
              target cube layout and the metadata to attach.`,
			shorthand:  "r",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{genCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Stores",
			usage: `
              Stores maps data store identifiers to their locations: a local
              directory path, a blob storage URL such as s3://bucket or
              gs://bucket, or mem:// for an in-process store. The request's
              inputs and output refer to stores by these identifiers.`,
			defaultVal: map[string]string{"local": "."},
			flagsets:   []*pflag.FlagSet{genCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel sets the minimum severity of log messages printed
              during cube generation (debug, info, warning or error).`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("XCUBE")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case map[string]string:
				b, err := json.Marshal(option.defaultVal)
				if err != nil {
					panic(err)
				}
				if option.shorthand == "" {
					set.String(option.name, string(b), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, string(b), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(genCmd)
	Root.AddCommand(infoCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and configures logging.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("xcube: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("LogLevel"))
	if err != nil {
		return fmt.Errorf("xcube: %v", err)
	}
	logrus.SetLevel(level)
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "xcube",
	Short: "A geospatial data cube generator.",
	Long: `xcube reads gridded geospatial datasets from one or more data stores and
combines them into a single self-describing data cube on a common grid.
Use the subcommands specified below to access the generator functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'XCUBE_var' where 'var' is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of xcube.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("xcube v%s\n", xcube.Version)
	},
	DisableAutoGenTag: true,
}

// genCmd generates a cube and writes it to the target data store.
var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a data cube.",
	Long: `gen runs the cube generation request given with --request: it opens the
request's inputs, resamples them onto the target grid and writes the
resulting cube to the output data store. The target dataset only becomes
visible once it is complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := LoadRequest(Cfg)
		if err != nil {
			return err
		}
		gen, err := NewGenerator(ctx, Cfg)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"inputs": len(req.Inputs),
			"output": req.Output.Path,
		}).Info("generating cube")
		ref, err := gen.Generate(ctx, req)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"store":  ref.Store,
			"path":   ref.Path,
			"dataID": ref.DataID,
		}).Info("cube written")
		return nil
	},
	DisableAutoGenTag: true,
}

// infoCmd describes the cube a request would generate, without writing
// anything.
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe the cube a request would generate.",
	Long: `info performs a dry run of the cube generation request given with
--request and prints a JSON summary of the resulting cube: its variables,
dimensions, chunking, spatial and temporal coverage and estimated size.
Nothing is written to the output data store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := LoadRequest(Cfg)
		if err != nil {
			return err
		}
		gen, err := NewGenerator(ctx, Cfg)
		if err != nil {
			return err
		}
		info, err := gen.Describe(ctx, req)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
	DisableAutoGenTag: true,
}
