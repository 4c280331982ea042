package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/peermesh/pkg/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	show := &cobra.Command{
		Use:         "show",
		Short:       "Print the merged configuration (defaults, file, environment, flags)",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{storeless: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.jsonOut {
				a.printJSON(a.cfg)
				return nil
			}
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = a.out.Write(data)
			return err
		},
	}

	path := &cobra.Command{
		Use:         "path",
		Short:       "Print the config file in use, or where one is searched for",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{storeless: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if used := a.v.ConfigFileUsed(); used != "" {
				a.printf("%s\n", used)
				return nil
			}
			a.printf("no config file loaded; searched ./peermesh.yaml and %s/peermesh.yaml\n", config.ConfigDir())
			return nil
		},
	}

	cmd.AddCommand(show, path)
	return cmd
}
