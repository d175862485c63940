package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/fault"
	"github.com/loykin/bootvisor/internal/server"
	"github.com/loykin/bootvisor/internal/settings"
)

func createSettingsCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or edit the stored launch settings",
	}
	cmd.AddCommand(createSettingsShowCommand(g), createSettingsSetCommand(g))
	return cmd
}

func openSettings(g *GlobalFlags) (*settings.Store, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	return settings.NewStore(cfg.Settings.Path, cfg.Log.NewSlogger()), nil
}

func createSettingsShowCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(g)
			if err != nil {
				return err
			}
			cfg, err := store.Load()
			if fault.IsFatal(err) {
				return err
			} else if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			printJSON(cmd.OutOrStdout(), map[string]any{
				"path":     store.Path(),
				"settings": cfg,
				"runnable": cfg.HasExecutable(),
			})
			return nil
		},
	}
}

func createSettingsSetCommand(g *GlobalFlags) *cobra.Command {
	f := &SettingsSetFlags{}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the stored settings; unset flags keep their value",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(g)
			if err != nil {
				return err
			}
			var cur settings.Config
			if !f.Clear {
				cur, _ = store.Load()
			}
			if cmd.Flags().Changed("executable") {
				cur.ExecutablePath = strings.TrimSpace(f.Executable)
			}
			if cmd.Flags().Changed("port") {
				cur.Port = strings.TrimSpace(f.Port)
			}
			if cmd.Flags().Changed("profile") {
				cur.Profile = strings.TrimSpace(f.Profile)
			}
			if err := validatePort(cur.Port); err != nil {
				return err
			}
			if err := store.Save(cur); err != nil {
				return fmt.Errorf("save settings: %w", err)
			}
			printJSON(cmd.OutOrStdout(), cur)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Executable, "executable", "", "path of the Spring Boot jar")
	cmd.Flags().StringVar(&f.Port, "port", "", "server port passed to the application (empty to unset)")
	cmd.Flags().StringVar(&f.Profile, "profile", "", "active Spring profile (empty to unset)")
	cmd.Flags().BoolVar(&f.Clear, "clear", false, "start from empty settings instead of the stored ones")
	return cmd
}

func validatePort(p string) error {
	if p == "" {
		return nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", p)
	}
	return nil
}

func createExportCommand(g *GlobalFlags) *cobra.Command {
	f := &ExportFlags{}
	cmd := &cobra.Command{
		Use:   "export-logs",
		Short: "Concatenate the application log files of a date range",
		Long: `Concatenate the live and rotated log files under the configured log
directory whose modification day falls within --from and --to (inclusive).
Without --out the export is written to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			fc := cfg.Log.File
			if f.Dir != "" {
				fc.Dir = f.Dir
			}
			if fc.Dir == "" {
				return errors.New("no log directory: set log.file.dir or pass --dir")
			}
			from, err := parseDay(f.From)
			if err != nil {
				return err
			}
			to, err := parseDay(f.To)
			if err != nil {
				return err
			}
			if !from.IsZero() && !to.IsZero() && to.Before(from) {
				return fmt.Errorf("--to %s is before --from %s", f.To, f.From)
			}
			if f.Out == "" {
				_, err := fc.Export(cmd.OutOrStdout(), from, to)
				return err
			}
			res, err := fc.ExportToFile(f.Out, from, to)
			if err != nil {
				return fmt.Errorf("export logs: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "exported %d file(s), %d bytes to %s\n", len(res.Files), res.Bytes, f.Out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.From, "from", "", "first day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.To, "to", "", "last day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.Out, "out", "", "output file (default stdout)")
	cmd.Flags().StringVar(&f.Dir, "dir", "", "log directory (default log.file.dir)")
	return cmd
}

func createHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of a control API token for server.token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return errors.New("token must not be empty")
			}
			h, err := server.HashToken(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
