package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"navigatorbot/internal/config"

	"github.com/spf13/cobra"
)

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Issue and list activation codes",
		Long:  "Administers the access database directly. Requires access.enabled.",
	}

	var (
		note  string
		count int
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue new activation codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > 1000 {
				return errors.New("--count must be between 1 and 1000")
			}
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			acc, store, err := openAccess(cfg)
			if err != nil {
				return err
			}
			if acc == nil {
				return errAccessDisabled
			}
			defer store.Close()

			plan := acc.Plan()
			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				code, err := acc.IssueCode(cmd.Context(), note)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, code)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d code(s), each grants %d requests for %d days\n", count, plan.Requests, plan.Days)
			return nil
		},
	}
	issue.Flags().StringVar(&note, "note", "manual", "note stored with the code")
	issue.Flags().IntVarP(&count, "count", "n", 1, "number of codes to issue")
	cmd.AddCommand(issue)

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent activation codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			acc, store, err := openAccess(cfg)
			if err != nil {
				return err
			}
			if acc == nil {
				return errAccessDisabled
			}
			defer store.Close()

			codes, err := acc.ListCodes(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tNOTE\tCREATED\tUSED BY\tUSED AT")
			for _, c := range codes {
				usedBy, usedAt := "-", "-"
				if c.Used() {
					usedBy = c.UserID
				}
				if c.UsedAt != nil {
					usedAt = c.UsedAt.Format(timeLayout)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Code, c.Note, c.CreatedAt.Format(timeLayout), usedBy, usedAt)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of codes to show")
	cmd.AddCommand(list)

	return cmd
}

const timeLayout = "2006-01-02 15:04"

var errAccessDisabled = fmt.Errorf("access control is disabled; set access.enabled in %s", config.DefaultConfigPath())
