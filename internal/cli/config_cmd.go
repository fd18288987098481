package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/dpolaris/polaris/internal/config"
)

// NewConfigCmd creates the config command group
func NewConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the polaris configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.InitConfig(force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowConfig()
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

// InitConfig writes the defaults to the config path.
func (a *App) InitConfig(force bool) error {
	path := a.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no config path: set --config or HOME")
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	if err := config.DefaultConfig().WriteFile(path); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wrote %s\n", path)
	return nil
}

// ShowConfig prints the loaded configuration after defaults, file and
// environment have been applied.
func (a *App) ShowConfig() error {
	if err := a.load(); err != nil {
		return err
	}
	data, err := a.cfg.YAML()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = a.stdout.Write(data)
	return err
}
