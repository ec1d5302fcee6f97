// Command sshconn is a small SSH client built on the commons-net-ssh
// library: it executes remote commands and sets up local port forwards.
//
// Usage:
//
//	sshconn exec --host example.com --user alice -- uname -a
//	sshconn forward --host example.com --user alice --local :8080 --dest 127.0.0.1:80
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dpat37/commons-net-ssh/internal/config"
)

var flags struct {
	host       string
	port       uint16
	user       string
	password   string
	keyFiles   []string
	knownHosts string
	configFile string
	insecure   bool
}

func main() {
	root := &cobra.Command{
		Use:           "sshconn",
		Short:         "SSH client for remote execution and port forwarding",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.host, "host", "", "server host")
	pf.Uint16Var(&flags.port, "port", 22, "server port")
	pf.StringVar(&flags.user, "user", "", "username")
	pf.StringVar(&flags.password, "password", "", "password (prefer keys or the config file)")
	pf.StringSliceVarP(&flags.keyFiles, "identity", "i", nil, "private key file (repeatable)")
	pf.StringVar(&flags.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	pf.StringVar(&flags.configFile, "config", "", "YAML config file")
	pf.BoolVar(&flags.insecure, "insecure", false, "skip host key verification (testing only)")

	root.AddCommand(newExecCommand())
	root.AddCommand(newForwardCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sshconn:", err)
		os.Exit(1)
	}
}

// defaultKnownHosts resolves the known_hosts path when not given.
func defaultKnownHosts() string {
	if flags.knownHosts != "" {
		return flags.knownHosts
	}
	path, err := config.GetDefaultKnownHostsPath()
	if err != nil {
		return ""
	}
	return path
}
