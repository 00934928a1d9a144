package cli

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"posecapture/internal/pose"
	"posecapture/internal/storage"
	"posecapture/internal/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newProfileCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect pose profiles",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show [profile.yaml]",
		Short: "Print the active pose profile (or the given file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.cfg.Capture.ProfilePath
			if len(args) == 1 {
				path = args[0]
			}
			p, err := pose.LoadProfile(path)
			if err != nil {
				return err
			}
			switch format {
			case "yaml":
				data, err := p.Marshal()
				if err != nil {
					return err
				}
				_, err = root.out.Write(data)
				return err
			case "table":
				w := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "#\tPOSE\tYAW\tPITCH\tMODE\tGUIDE\n")
				for i, s := range p.Poses {
					mode := "auto"
					if s.Manual {
						mode = "manual"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, s.ID, s.Yaw, s.Pitch, mode, s.Guide)
				}
				return w.Flush()
			default:
				return fmt.Errorf("unknown format %q (yaml|table)", format)
			}
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "table", "output format (yaml|table)")

	validateCmd := &cobra.Command{
		Use:   "validate <profile.yaml>",
		Short: "Validate a pose profile file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pose.LoadProfile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "Profile %q is valid (%d poses)\n", p.Name, p.Len())
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate posecapture configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			if cfg.Redis.Password != "" {
				cfg.Redis.Password = "********"
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "%s\n", data)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			if _, err := pose.LoadProfile(root.cfg.Capture.ProfilePath); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newSessionsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded capture sessions",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.RecentSessions(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(root.out, "No sessions recorded")
				return nil
			}
			w := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "SESSION\tPROFILE\tSTATUS\tCAPTURED\tSTARTED\n")
			for _, s := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					s.ID, s.Profile, s.Status, s.CapturedCount, s.PoseCount, humanize.Time(s.CreatedAt))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")

	photosCmd := &cobra.Command{
		Use:   "photos <session-id>",
		Short: "List the photos stored for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()
			photos, err := store.Photos(args[0])
			if err != nil {
				return err
			}
			if len(photos) == 0 {
				return errors.New("no photos for session " + args[0])
			}
			w := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "POSE\tSIZE\tTAKEN\tPATH\tS3 KEY\n")
			for _, p := range photos {
				key := p.S3Key
				if key == "" {
					key = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.PoseID, humanize.Bytes(uint64(p.FileSize)), p.TakenAt.Format("2006-01-02 15:04:05"), p.FilePath, key)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(listCmd, photosCmd)
	return cmd
}

func newTraceCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Work with recorded session traces",
	}

	summarizeCmd := &cobra.Command{
		Use:   "summarize <trace.parquet>",
		Short: "Summarise a session trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := trace.ReadFile(args[0])
			if err != nil {
				return err
			}
			s := trace.Summarize(rows)
			fmt.Fprintf(root.out, "Session:   %s\n", s.Session)
			fmt.Fprintf(root.out, "Duration:  %s\n", s.Duration)
			fmt.Fprintf(root.out, "Events:    %s\n", humanize.Comma(int64(s.Rows)))
			fmt.Fprintf(root.out, "Verdicts:  %s (%.1f%% valid)\n", humanize.Comma(int64(s.Verdicts)), s.ValidRatio()*100)
			fmt.Fprintf(root.out, "Captures:  %d (retakes %d, complete %t)\n", s.Captures, s.Retakes, s.Complete)

			if len(s.Reasons) > 0 {
				reasons := make([]string, 0, len(s.Reasons))
				for r := range s.Reasons {
					reasons = append(reasons, r)
				}
				sort.Strings(reasons)
				sort.SliceStable(reasons, func(i, j int) bool { return s.Reasons[reasons[i]] > s.Reasons[reasons[j]] })
				parts := make([]string, 0, len(reasons))
				for _, r := range reasons {
					parts = append(parts, fmt.Sprintf("%s=%d", r, s.Reasons[r]))
				}
				fmt.Fprintf(root.out, "Rejected:  %s\n", strings.Join(parts, " "))
			}

			w := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "\nPOSE\tVERDICTS\tVALID\tCAPTURES\tTIME TO VALID\n")
			for _, p := range s.Poses {
				ttv := "-"
				if p.TimeToValid >= 0 {
					ttv = p.TimeToValid.String()
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", p.Pose, p.Verdicts, p.Valid, p.Captures, ttv)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(summarizeCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "posecapture %s\n", root.version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
		},
	}
}
