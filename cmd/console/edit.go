package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

var setCmd = &cobra.Command{
	Use:   "set <collection> <name>",
	Short: "Change fields of a test and save it",
	Example: `  console set banner-tests my-test --nickname "Winter appeal"
  console set epic-tests my-test --channel Epic --cohort AllNonSupporters --policy item`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

var copyCmd = &cobra.Command{
	Use:     "copy <collection> <source> <name>",
	Short:   "Copy a test into a new Draft test",
	Example: `  console copy banner-tests winter-appeal winter-appeal-v2`,
	Args:    cobra.ExactArgs(3),
	RunE:    runCopy,
}

var reorderCmd = &cobra.Command{
	Use:   "reorder <collection> <name> <priority>",
	Short: "Move a test to a new priority",
	Long: `Reorder moves a test to a zero-based priority and saves the order.
It needs the collection lock under either policy.`,
	Example: `  console reorder banner-tests winter-appeal 0`,
	Args:    cobra.ExactArgs(3),
	RunE:    runReorder,
}

var archiveCmd = &cobra.Command{
	Use:     "archive <collection> <name>...",
	Short:   "Move tests to the collection archive",
	Example: `  console archive banner-tests old-test older-test`,
	Args:    cobra.MinimumNArgs(2),
	RunE:    runArchive,
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <name>...",
	Short:   "Delete tests for good",
	Example: `  console delete banner-tests broken-test --yes`,
	Args:    cobra.MinimumNArgs(2),
	RunE:    runDelete,
}

var statusCmd = &cobra.Command{
	Use:     "status <collection> <Live|Draft|Archived> <name>...",
	Short:   "Set the status of tests",
	Example: `  console status banner-tests Live winter-appeal`,
	Args:    cobra.MinimumNArgs(3),
	RunE:    runStatus,
}

var (
	setNickname string
	setChannel  string
	setCohort   string
	deleteYes   bool
)

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(reorderCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)

	setCmd.Flags().StringVar(&setNickname, "nickname", "", "Display name of the test")
	setCmd.Flags().StringVar(&setChannel, "channel", "", "Channel the test runs on")
	setCmd.Flags().StringVar(&setCohort, "cohort", "", "User cohort the test targets")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")
}

func runSet(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()
	collection, name := args[0], args[1]

	flags := cmd.Flags()
	if !flags.Changed("nickname") && !flags.Changed("channel") && !flags.Changed("cohort") {
		return fmt.Errorf("nothing to change, pass --nickname, --channel or --cohort")
	}

	s, err := openSession(ctx, collection)
	if err != nil {
		return err
	}

	err = withLocks(ctx, s, resources(s, []string{name}), func() error {
		err := s.Update(name, func(test models.Test) models.Test {
			if flags.Changed("nickname") {
				test.Nickname = setNickname
			}
			if flags.Changed("channel") {
				test.Channel = setChannel
			}
			if flags.Changed("cohort") {
				test.UserCohort = setCohort
			}
			return test
		})
		if err != nil {
			return err
		}
		return s.Save(ctx, name)
	})
	if err != nil {
		return err
	}
	return report("saved", collection, []string{name})
}

func runCopy(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()
	collection, source, name := args[0], args[1], args[2]

	s, err := openSession(ctx, collection)
	if err != nil {
		return err
	}

	save := func() error {
		if err := s.Copy(source, name); err != nil {
			return err
		}
		return s.Save(ctx, name)
	}
	if s.Policy().PerItem() {
		// The copy is held by its creator until saved.
		if err := save(); err != nil {
			_ = s.Discard(ctx, name)
			return err
		}
	} else if err := withLocks(ctx, s, resources(s, nil), save); err != nil {
		return err
	}
	return report("created", collection, []string{name})
}

func runReorder(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()
	collection, name := args[0], args[1]

	priority, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("priority must be a number: %w", err)
	}

	s, err := openSession(ctx, collection)
	if err != nil {
		return err
	}

	err = withLocks(ctx, s, []string{""}, func() error {
		current := -1
		for i, test := range s.Items() {
			if test.Name == name {
				current = i
				break
			}
		}
		if current < 0 {
			return fmt.Errorf("%w: %s", models.ErrNotFound, name)
		}
		if err := s.MovePriority(priority, current); err != nil {
			return err
		}
		return s.SaveOrder(ctx)
	})
	if err != nil {
		return err
	}
	return report(fmt.Sprintf("moved to priority %d", priority), collection, []string{name})
}

func runArchive(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()
	collection, names := args[0], args[1:]

	s, err := openSession(ctx, collection)
	if err != nil {
		return err
	}
	if err := withLocks(ctx, s, resources(s, names), func() error {
		return s.Archive(ctx, names...)
	}); err != nil {
		return err
	}
	return report("archived", collection, names)
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()
	collection, names := args[0], args[1:]

	if !deleteYes {
		ok, err := confirm(fmt.Sprintf("Delete %d tests from %s for good?", len(names), collection))
		if err != nil {
			return err
		}
		if !ok {
			printInfo("Nothing deleted")
			return nil
		}
	}

	s, err := openSession(ctx, collection)
	if err != nil {
		return err
	}
	if err := withLocks(ctx, s, resources(s, names), func() error {
		return s.Delete(ctx, names...)
	}); err != nil {
		return err
	}
	return report("deleted", collection, names)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()
	collection, names := args[0], args[2:]

	status, err := models.ParseTestStatus(args[1])
	if err != nil {
		return err
	}

	s, err := openSession(ctx, collection)
	if err != nil {
		return err
	}
	if err := withLocks(ctx, s, resources(s, names), func() error {
		return s.SetStatus(ctx, status, names...)
	}); err != nil {
		return err
	}
	return report("set "+string(status), collection, names)
}
