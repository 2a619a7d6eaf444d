package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amanmcp/gokko/internal/config"
)

// newConfigCmd groups the user config maintenance subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the user configuration file",
		Long:  `Backup, list, and restore the user configuration file (~/.config/gokko/config.yaml).`,
	}

	cmd.AddCommand(newConfigBackupCmd())
	cmd.AddCommand(newConfigListBackupsCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

func newConfigBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Back up the current user config",
		Long:  `Writes a timestamped copy of the user config file, keeping only the most recent backups.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.BackupUserConfig()
			if err != nil {
				return fmt.Errorf("backup user config: %w", err)
			}
			if path == "" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no user config to back up")
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}

func newConfigListBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List user config backups, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return fmt.Errorf("list user config backups: %w", err)
			}
			for _, b := range backups {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), b); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-path>",
		Short: "Restore the user config from a backup file",
		Long:  `Restores the user config from a backup produced by 'config backup', backing up the current config first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return fmt.Errorf("restore user config: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "user config restored")
			return err
		},
	}
}
