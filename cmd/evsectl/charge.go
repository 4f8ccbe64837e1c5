package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/evsemaster/evse-controller/internal/evse"
)

var (
	startAmps        int
	startSinglePhase bool
	setCurrentAmps   int
)

var startCmd = &cobra.Command{
	Use:   "start [keyword]",
	Short: "Start charging",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(keywordArg(args), func(ctx context.Context, s *evse.Session) error {
			opts := evse.ChargeOptions{Amps: startAmps, SinglePhase: startSinglePhase}
			if err := s.ChargeStart(ctx, opts); err != nil {
				return err
			}
			fmt.Printf("%s: charge started\n", s.Serial())
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [keyword]",
	Short: "Stop charging",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(keywordArg(args), func(ctx context.Context, s *evse.Session) error {
			if err := s.ChargeStop(ctx); err != nil {
				return err
			}
			fmt.Printf("%s: charge stopped\n", s.Serial())
			return nil
		})
	},
}

var setTimeCmd = &cobra.Command{
	Use:   "settime [keyword]",
	Short: "Set the device clock to now",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(keywordArg(args), func(ctx context.Context, s *evse.Session) error {
			deviceTime, err := s.SyncTime(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s: device time %s\n", s.Serial(), deviceTime.Format(time.RFC3339))
			return nil
		})
	},
}

var setCurrentCmd = &cobra.Command{
	Use:   "set-current [keyword]",
	Short: "Write the configured maximum current",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(keywordArg(args), func(ctx context.Context, s *evse.Session) error {
			if err := s.SetMaxCurrent(ctx, setCurrentAmps); err != nil {
				return err
			}
			fmt.Printf("%s: max current %dA\n", s.Serial(), setCurrentAmps)
			return nil
		})
	},
}

var passwordCmd = &cobra.Command{
	Use:   "password serial=password...",
	Short: "Remember device passwords",
	Long: `Store passwords in the password file without contacting the devices.
Each argument has the form serial=password.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := ParsePasswordArgs(args)
		if err != nil {
			return err
		}

		book, err := LoadPasswordBook(passwordPath())
		if err != nil {
			return err
		}
		for serial, password := range pairs {
			book.Set(serial, password)
		}
		if err := book.Save(); err != nil {
			return err
		}
		fmt.Printf("saved %d password(s) to %s\n", len(pairs), passwordPath())
		return nil
	},
}

func init() {
	startCmd.Flags().IntVar(&startAmps, "amps", 0, "Charge current in amps (default: configured maximum)")
	startCmd.Flags().BoolVar(&startSinglePhase, "single-phase", false, "Request single phase charging")
	setCurrentCmd.Flags().IntVar(&setCurrentAmps, "amps", 16, "Maximum current in amps")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(setTimeCmd)
	rootCmd.AddCommand(setCurrentCmd)
	rootCmd.AddCommand(passwordCmd)
}
