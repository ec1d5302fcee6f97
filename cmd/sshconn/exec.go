package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"golang.org/x/crypto/ssh"

	"github.com/dpat37/commons-net-ssh/userauth"
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [command...]",
		Short: "Run a command on the server and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			sess, err := c.NewSession()
			if err != nil {
				return err
			}

			command := strings.Join(args, " ")
			if err := sess.Exec(command); err != nil {
				return fmt.Errorf("exec %q: %w", command, err)
			}

			go io.Copy(os.Stderr, sess.Stderr())
			if _, err := io.Copy(os.Stdout, sess.In()); err != nil {
				return err
			}

			status, err := sess.WaitExitStatus()
			if err != nil {
				return err
			}
			sess.Close()
			if status.Signal != "" {
				return fmt.Errorf("remote command killed by SIG%s: %s", status.Signal, status.Message)
			}
			if status.Status != 0 {
				return fmt.Errorf("remote command exited with status %d", status.Status)
			}
			return nil
		},
	}
}

// loadKeyMethod loads one private key file as a publickey method.
func loadKeyMethod(path string) (userauth.Method, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	pterm.Debug.Println("Loaded key", path)
	return &userauth.PublicKey{Signer: signer}, nil
}
