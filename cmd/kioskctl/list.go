package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"facekiosk/internal/attendance"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List recent attendance records",
	Long: `List attendance records, most recent check-in first.

Example:
  kioskctl records --limit 20
  kioskctl records --user 5f0c2d1e-... --offset 20`,
	RunE: runRecords,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users created by the kiosk",
	RunE:  runUsers,
}

func init() {
	recordsCmd.Flags().Int("limit", 10, "Maximum number of records to show")
	recordsCmd.Flags().Int("offset", 0, "Number of records to skip")
	recordsCmd.Flags().String("user", "", "Only show records for this user ID")
}

func runRecords(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	userID, _ := cmd.Flags().GetString("user")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := attendance.NewRepository(db.Client).ListRecords(cmd.Context(), userID, limit, offset)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	printRecords(cmd.OutOrStdout(), records)
	return nil
}

func runUsers(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := attendance.NewRepository(db.Client).ListUsers(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	printUsers(cmd.OutOrStdout(), users)
	return nil
}

func printRecords(out io.Writer, records []attendance.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No attendance records yet")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCHECK-IN\tDURATION\tSTATUS\tSNAPSHOT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%ds\t%s\t%s\n",
			displayName(r.UserName), r.CheckInTime.Local().Format(time.DateTime), r.DetectionDuration, r.Status, r.SnapshotURL)
	}
	w.Flush()
}

func printUsers(out io.Writer, users []attendance.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "No users yet")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL\tDESCRIPTOR\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", u.ID, u.Name, u.Email, u.HasDescriptor, u.CreatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

// displayName renders records whose user join found nothing.
func displayName(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}
