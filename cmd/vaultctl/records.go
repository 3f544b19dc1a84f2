package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/designvault/internal/record"
)

type storeFunc func() *record.Store

func showCmd(records storeFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <dir>",
		Short: "Print a README's status, metadata and design files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			rec, err := records().Read(dir)
			if err != nil {
				return err
			}
			files, err := record.ListDesignFiles(dir, rec)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"path":      rec.Path,
					"status":    rec.Status,
					"updatedAt": rec.UpdatedAt(),
					"metadata":  rec.Metadata.Map(),
					"files":     files,
				})
			}

			fmt.Fprintf(out, "Path:     %s\n", rec.Path)
			fmt.Fprintf(out, "Status:   %s\n", valueOr(rec.Status, "(none)"))
			fmt.Fprintf(out, "Updated:  %s\n", time.UnixMilli(rec.UpdatedAt()).Format(time.RFC3339))
			if lastID, ok := rec.Metadata.Int(record.KeyLastID); ok {
				fmt.Fprintf(out, "Last ID:  %d\n", lastID)
			}
			if len(files) == 0 {
				fmt.Fprintln(out, "\nFiles: (none)")
				return nil
			}
			fmt.Fprintln(out, "\nFiles:")
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  ID\tNAME\tTAG\tDEFAULT\tDESCRIPTION")
			for _, f := range files {
				def := ""
				if f.IsDefault {
					def = "*"
				}
				fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", f.ID, f.Name, f.Tag, def, f.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func statusCmd(records storeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <dir> <status>",
		Short: "Set a README's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			change, err := records().SetStatus(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", valueOr(change.OldStatus, "(none)"), change.NewStatus)
			return nil
		},
	}
}

func nextIDCmd(records storeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "next-id <task-dir>",
		Short: "Reserve and print the next design file number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := records().AllocateFileID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func describeCmd(records storeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <task-dir> <file> <text>",
		Short: "Set a file description; empty text removes it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := records()
			if args[2] == "" {
				return s.RemoveFileDescription(cmd.Context(), args[0], args[1])
			}
			return s.SetFileDescription(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func tagCmd(records storeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <task-dir> <file> <tag>",
		Short: "Set a file tag; an empty tag clears it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return records().SetFileTag(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func ensureCmd(records storeFunc) *cobra.Command {
	var kind, name string
	cmd := &cobra.Command{
		Use:   "ensure <dir>",
		Short: "Create a README from the project or task template if missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := record.ParseKind(kind)
			if err != nil {
				return err
			}
			dir := filepath.Clean(args[0])
			if name == "" {
				name = filepath.Base(dir)
			}
			created, err := records().EnsureExists(cmd.Context(), dir, name, k)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", record.ReadmePath(dir))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", record.ReadmePath(dir))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(record.KindTask), "Template kind (project, task)")
	cmd.Flags().StringVar(&name, "name", "", "Title for the new README (default: directory name)")
	return cmd
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
