package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

var showCmd = &cobra.Command{
	Use:   "show <collection>",
	Short: "List the tests of a collection in priority order",
	Long: `Show fetches a collection and prints its tests in priority order with
their status and who holds their lock.`,
	Example: `  console show banner-tests
  console show epic-tests --policy item --json`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var archivedCmd = &cobra.Command{
	Use:     "archived <collection>",
	Short:   "List the archived tests of a collection",
	Example: `  console archived banner-tests`,
	Args:    cobra.ExactArgs(1),
	RunE:    runArchived,
}

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(archivedCmd)
}

type testRow struct {
	Priority int               `json:"priority"`
	Test     models.Test       `json:"test"`
	Lock     models.LockStatus `json:"lock"`
}

func runShow(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	items := s.Items()
	rows := make([]testRow, 0, len(items))
	for i, test := range items {
		rows = append(rows, testRow{Priority: i, Test: test, Lock: s.LockStatus(test.Name)})
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"collection": s.Collection(),
			"version":    s.Version(),
			"userEmail":  s.UserEmail(),
			"policy":     s.Policy().String(),
			"lock":       s.LockStatus(""),
			"tests":      rows,
		})
	}

	printInfo("%s (%d tests)", s.Collection(), len(rows))
	if lock := describeLock(s.LockStatus("")); lock != "" {
		printWarning("Collection %s", lock)
	}
	if len(rows) == 0 {
		fmt.Println("  no tests")
		return nil
	}
	for _, row := range rows {
		line := fmt.Sprintf("%3d  %-40s %-9s", row.Priority, row.Test.Name, row.Test.Status)
		if row.Test.Nickname != "" {
			line += " " + dimColor.Sprintf("(%s)", row.Test.Nickname)
		}
		if s.Policy().PerItem() {
			if lock := describeLock(row.Lock); lock != "" {
				line += " " + warningColor.Sprint(lock)
			}
		}
		fmt.Println(line)
	}
	return nil
}

func runArchived(cmd *cobra.Command, args []string) error {
	records, err := apiClient.Store().Archived(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	tests := make([]models.Test, 0, len(records))
	for _, r := range records {
		var test models.Test
		if err := r.Decode(&test); err != nil {
			return fmt.Errorf("decode archived test: %w", err)
		}
		tests = append(tests, test)
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"collection": args[0],
			"tests":      tests,
		})
	}

	printInfo("%s archive (%d tests)", args[0], len(tests))
	for _, test := range tests {
		fmt.Printf("  %-40s %s\n", test.Name, dimColor.Sprint(test.Nickname))
	}
	return nil
}
