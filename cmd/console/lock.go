package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

var lockCmd = &cobra.Command{
	Use:   "lock <collection> [name]",
	Short: "Enter edit mode on a collection or a test",
	Long: `Lock takes the advisory lock guarding a collection, or one test under
the item policy. Other editors see who holds it until it is released.

With --hold the command keeps the lock until interrupted, warns when it
has been held for a long time, and releases it on exit.`,
	Example: `  console lock banner-tests
  console lock epic-tests my-test --policy item --hold`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runLock,
}

var unlockCmd = &cobra.Command{
	Use:     "unlock <collection> [name]",
	Short:   "Leave edit mode",
	Example: `  console unlock banner-tests`,
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runUnlock,
}

var takeControlCmd = &cobra.Command{
	Use:   "takecontrol <collection> [name]",
	Short: "Take a lock away from another editor",
	Long: `Takecontrol moves a lock to you whoever holds it. The previous holder's
unsaved edits will fail to save.`,
	Example: `  console takecontrol banner-tests --yes`,
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runTakeControl,
}

var (
	lockHold bool
	forceYes bool
)

func init() {
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(takeControlCmd)

	lockCmd.Flags().BoolVar(&lockHold, "hold", false,
		"Keep the lock until interrupted, then release it")
	takeControlCmd.Flags().BoolVarP(&forceYes, "yes", "y", false,
		"Do not ask for confirmation")
}

func nameArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func runLock(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	name := nameArg(args)

	if err := s.Lock(ctx, name, false); err != nil {
		var locked *models.LockedError
		if errors.As(err, &locked) && !jsonOutput {
			printWarning("Already %s. Use takecontrol to take it over.", describeLock(locked.Status))
		}
		return err
	}
	if err := report("locked", args[0], nonEmpty(name)); err != nil {
		return err
	}
	if !lockHold {
		return nil
	}

	if !jsonOutput {
		printInfo("Holding the lock, press Ctrl-C to release it")
	}
	<-ctx.Done()

	// The command context is cancelled by now.
	releaseCtx, cancel := detached(ctx)
	defer cancel()
	if err := s.Close(releaseCtx, true); err != nil {
		return err
	}
	return report("released", args[0], nonEmpty(name))
}

func runUnlock(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	name := nameArg(args)
	if err := s.Unlock(ctx, name); err != nil {
		return err
	}
	return report("unlocked", args[0], nonEmpty(name))
}

func runTakeControl(cmd *cobra.Command, args []string) error {
	if err := requireEditor(); err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	name := nameArg(args)

	status := s.LockStatus(name)
	if status.Locked && status.Email != s.Editor() && !forceYes {
		ok, err := confirm("Take over the lock " + describeLock(status) + "?")
		if err != nil {
			return err
		}
		if !ok {
			printInfo("Left the lock with %s", status.Email)
			return nil
		}
	}

	if err := s.Lock(ctx, name, true); err != nil {
		return err
	}
	return report("took control of", args[0], nonEmpty(name))
}

func nonEmpty(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}
