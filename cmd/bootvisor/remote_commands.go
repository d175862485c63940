package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bootvisor/pkg/client"
)

// reportResult prints a lifecycle result, surfacing the warning on stderr.
func reportResult(cmd *cobra.Command, action string, res client.Result) {
	if res.Warning != "" {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning (%s): %s\n", res.Kind, res.Warning)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", action)
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the supervised application",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the application with the stored or given settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			var cfg *client.Settings
			if f.Executable != "" {
				if err := validatePort(f.Port); err != nil {
					return err
				}
				cfg = &client.Settings{ExecutablePath: f.Executable, Port: f.Port, Profile: f.Profile}
			} else if f.Save || f.Port != "" || f.Profile != "" {
				return errors.New("--port, --profile and --save require --executable")
			}
			res, err := c.Start(cmd.Context(), cfg, f.Save)
			if err != nil {
				return err
			}
			reportResult(cmd, "start", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Executable, "executable", "", "jar to run instead of the stored settings")
	cmd.Flags().StringVar(&f.Port, "port", "", "server port")
	cmd.Flags().StringVar(&f.Profile, "profile", "", "active Spring profile")
	cmd.Flags().BoolVar(&f.Save, "save", false, "persist the given settings before starting")
	return cmd
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the application, killing it after --wait",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !f.Yes {
				return errors.New("stopping the application needs confirmation: pass --yes")
			}
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			res, err := c.Stop(cmd.Context(), f.Wait)
			if err != nil {
				return err
			}
			reportResult(cmd, "stop", res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "graceful stop window before a forced kill (default: launcher setting)")
	cmd.Flags().BoolVarP(&f.Yes, "yes", "y", false, "confirm the stop")
	return cmd
}

func createRestartCommand(g *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the application with its current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			res, err := c.Restart(cmd.Context(), f.Wait)
			if err != nil {
				return err
			}
			reportResult(cmd, "restart", res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "graceful stop window before a forced kill (default: launcher setting)")
	return cmd
}

func createLogsCommand(g *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the buffered application output",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Pause && f.Resume {
				return errors.New("--pause and --resume are mutually exclusive")
			}
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch {
			case f.Pause:
				return c.PauseLogs(ctx)
			case f.Resume:
				return c.ResumeLogs(ctx)
			}
			return tailLogs(ctx, c, cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().Uint64Var(&f.After, "after", 0, "only records with a sequence number above this")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "at most this many records per page (default: launcher tail size)")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep polling for new records")
	cmd.Flags().DurationVar(&f.Every, "interval", time.Second, "poll interval with --follow")
	cmd.Flags().BoolVar(&f.Pause, "pause", false, "pause delivery to consumers")
	cmd.Flags().BoolVar(&f.Resume, "resume", false, "resume delivery to consumers")
	return cmd
}

func tailLogs(ctx context.Context, c *client.Client, w io.Writer, f *LogsFlags) error {
	after := f.After
	for {
		page, err := c.Logs(ctx, after, f.Limit)
		if err != nil {
			return err
		}
		for _, r := range page.Records {
			if r.Evicted > 0 {
				_, _ = fmt.Fprintf(w, "... %d line(s) dropped ...\n", r.Evicted)
			}
			_, _ = fmt.Fprintf(w, "%s [%s] %s\n", r.Time.Local().Format(time.TimeOnly), r.Source, r.Text)
		}
		if page.Next > after {
			after = page.Next
		}
		if !f.Follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.Every):
		}
	}
}

func createHistoryCommand(g *GlobalFlags) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			evts, err := c.History(cmd.Context(), f.Limit)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), evts)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of events")
	return cmd
}
