package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newForwardCommand() *cobra.Command {
	var localAddr, dest string

	cmd := &cobra.Command{
		Use:   "forward --local [bind]:port --dest host:port",
		Short: "Forward a local port to a destination via the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dstHost, dstPortStr, err := net.SplitHostPort(dest)
			if err != nil {
				return fmt.Errorf("bad --dest %q: %w", dest, err)
			}
			dstPort, err := strconv.ParseUint(dstPortStr, 10, 16)
			if err != nil {
				return fmt.Errorf("bad --dest port %q: %w", dstPortStr, err)
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			fwd, err := c.LocalForward(localAddr, dstHost, uint32(dstPort))
			if err != nil {
				return err
			}
			defer fwd.Close()
			pterm.Info.Printfln("Forwarding %s -> %s (via %s)", fwd.Addr(), dest, flags.host)

			// Run until interrupted or the transport dies.
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			done := make(chan error, 1)
			go func() { done <- c.Join() }()

			select {
			case <-sig:
				pterm.Info.Println("Interrupted, shutting down")
				return nil
			case err := <-done:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&localAddr, "local", "127.0.0.1:0", "local bind address")
	cmd.Flags().StringVar(&dest, "dest", "", "destination host:port")
	cmd.MarkFlagRequired("dest")
	return cmd
}
