package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/config"
)

func newConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config [key] [value]",
		Short: "Manage configuration",
		Long: `View or modify colony configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/colony/config.yaml
Project-specific overrides can be placed in .colony.yaml
Environment variables override both: COLONY_STORE_TENANT, COLONY_RUNTIME_WORKERS, ...`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			values := a.cfg.Values()

			switch len(args) {
			case 0:
				keys := make([]string, 0, len(values))
				for k := range values {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "%s: %v\n", k, config.Mask(k, values[k]))
				}
				_, src := config.APIKey(a.cfg)
				fmt.Fprintf(w, "\napi key source: %s\n", src)
				fmt.Fprintf(w, "user config: %s\n", config.UserConfigPath())
				if p := config.ProjectConfigPath(); p != "" {
					fmt.Fprintf(w, "project config: %s\n", p)
				}
			case 1:
				v, ok := values[args[0]]
				if !ok {
					return fmt.Errorf("unknown config key %q", args[0])
				}
				fmt.Fprintln(w, config.Mask(args[0], v))
			default:
				if err := config.Set(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s set in %s\n", args[0], config.UserConfigPath())
			}
			return nil
		},
	}
}
