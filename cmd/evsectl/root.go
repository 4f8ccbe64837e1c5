package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
)

var (
	bindAddr      string
	broadcastAddr string
	passwordFile  string
	dumpDatagrams bool
	verbose       bool
	waitTimeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "evsectl",
	Short: "EVSE command line tool",
	Long: `evsectl - watch and control EVSEs speaking the EmProto UDP protocol.

Devices are selected by a keyword matching part of the serial, the display
name or "brand model". Without a keyword the first device seen is used.

Passwords are remembered per serial in ~/.evsectl.yml. When none is stored
for a device the password is read from EVSECTL_PASSWORD or prompted.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&bindAddr, "bind", fmt.Sprintf("0.0.0.0:%d", gateway.DefaultPort), "Local UDP address")
	rootCmd.PersistentFlags().StringVar(&broadcastAddr, "broadcast", fmt.Sprintf("255.255.255.255:%d", gateway.DefaultPort), "Discovery broadcast address")
	rootCmd.PersistentFlags().StringVar(&passwordFile, "password-file", "", "Password file (default ~/.evsectl.yml)")
	rootCmd.PersistentFlags().BoolVar(&dumpDatagrams, "dump", false, "Dump every datagram as hex")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().DurationVar(&waitTimeout, "wait", 30*time.Second, "How long to wait for a matching device")
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func dump(dir gateway.Direction, addr *net.UDPAddr, data []byte) {
	fmt.Printf("[%s] %s %s %d bytes\n", time.Now().Format("15:04:05.000"), dir, addr, len(data))
	fmt.Print(hex.Dump(data))
}

// startCommunicator binds the socket and runs the receive loop until ctx
// is done
func startCommunicator(ctx context.Context) (*gateway.Communicator, error) {
	opts := gateway.Options{
		BindAddr:      bindAddr,
		BroadcastAddr: broadcastAddr,
	}
	if dumpDatagrams {
		opts.Dump = dump
	}

	comm, err := gateway.NewCommunicator(opts)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := comm.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Receive loop stopped")
		}
	}()

	if err := comm.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("Discovery probe failed")
	}
	return comm, nil
}

// matches reports whether keyword selects the device
func matches(snap evse.Snapshot, keyword string) bool {
	if keyword == "" {
		return true
	}
	keyword = strings.ToLower(keyword)
	brandModel := strings.ToLower(snap.Info.Brand + " " + snap.Info.Model)
	return strings.Contains(snap.Info.Serial.String(), keyword) ||
		strings.Contains(strings.ToLower(snap.Config.Name), keyword) ||
		strings.Contains(brandModel, keyword)
}

func keywordArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
