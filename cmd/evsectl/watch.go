package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
)

var (
	watchJSON  bool
	watchLogin bool
	listWait   time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [keyword]",
	Short: "Print events of matching EVSEs",
	Long: `Print every session event of EVSEs matching the keyword until interrupted.

With --login, devices with a remembered password are logged in so that
charge state and configuration are reported as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyword := keywordArg(args)

		ctx, cancel := signalContext()
		defer cancel()

		book, err := LoadPasswordBook(passwordPath())
		if err != nil {
			return err
		}

		comm, err := startCommunicator(ctx)
		if err != nil {
			return err
		}
		defer comm.Close()

		events := make(chan gateway.Event, 64)
		unsubscribe := comm.Subscribe(func(ev gateway.Event) {
			if !matches(ev.Snapshot, keyword) {
				return
			}
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				if watchJSON {
					enc.Encode(ev)
				} else {
					fmt.Println(formatEvent(ev))
				}
				reappeared := ev.Type == gateway.EventDiscovered || ev.Type == gateway.EventOnline
				if watchLogin && reappeared && !ev.Snapshot.LoggedIn {
					autoLogin(ctx, comm, book, ev.Serial.String())
				}
			}
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list [keyword]",
	Short: "List EVSEs answering discovery",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyword := keywordArg(args)

		ctx, cancel := signalContext()
		defer cancel()

		comm, err := startCommunicator(ctx)
		if err != nil {
			return err
		}
		defer comm.Close()

		select {
		case <-ctx.Done():
		case <-time.After(listWait):
		}

		for _, s := range comm.Sessions() {
			snap := s.Snapshot()
			if matches(snap, keyword) {
				fmt.Println(formatSnapshot(snap))
			}
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as JSON lines")
	watchCmd.Flags().BoolVar(&watchLogin, "login", false, "Log in to devices with a remembered password")
	listCmd.Flags().DurationVar(&listWait, "duration", 5*time.Second, "How long to listen")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
}

// autoLogin logs in with a remembered password without prompting
func autoLogin(ctx context.Context, comm *gateway.Communicator, book *PasswordBook, serial string) {
	password, ok := book.Get(serial)
	if !ok {
		return
	}
	for _, s := range comm.Sessions() {
		if s.Serial().String() != serial {
			continue
		}
		go func(s *evse.Session) {
			if err := s.Login(ctx, password); err != nil {
				fmt.Fprintf(os.Stderr, "login to %s failed: %v\n", serial, err)
			}
		}(s)
	}
}

func formatSnapshot(snap evse.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-13s", snap.Info.Serial, snap.Status())
	if snap.Info.Brand != "" || snap.Info.Model != "" {
		fmt.Fprintf(&b, " %s %s", snap.Info.Brand, snap.Info.Model)
	}
	if snap.Config.Name != "" {
		fmt.Fprintf(&b, " %q", snap.Config.Name)
	}
	if snap.Info.Address != "" {
		fmt.Fprintf(&b, " @%s", snap.Info.Address)
	}
	return b.String()
}

func formatEvent(ev gateway.Event) string {
	line := fmt.Sprintf("%s %-15s %s", ev.Time.Format("15:04:05"), ev.Type, formatSnapshot(ev.Snapshot))

	switch ev.Type {
	case gateway.EventState:
		if st := ev.Snapshot.State; st != nil {
			line += fmt.Sprintf(" %.1fV %.1fA %dW %.2fkWh %.0f°C",
				st.L1Voltage, st.L1Current, st.CurrentPower, st.TotalEnergy, st.InnerTemp)
			if len(st.Errors) > 0 {
				line += fmt.Sprintf(" errors=%v", st.Errors)
			}
		}
	case gateway.EventCharge:
		if c := ev.Snapshot.CurrentCharge; c != nil {
			line += fmt.Sprintf(" charge=%s %.2fkWh %s",
				c.ChargeID, c.ChargeEnergy, time.Duration(c.DurationSeconds)*time.Second)
		}
	case gateway.EventConfig:
		line += fmt.Sprintf(" max_current=%dA", ev.Snapshot.Config.MaxCurrent)
	}
	return line
}
