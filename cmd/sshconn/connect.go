package main

import (
	"fmt"
	"net"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/dpat37/commons-net-ssh/client"
	"github.com/dpat37/commons-net-ssh/internal/config"
	"github.com/dpat37/commons-net-ssh/userauth"
)

// fileConfig is the YAML config file schema.
type fileConfig struct {
	Host       string   `yaml:"host"`
	Port       uint16   `yaml:"port"`
	User       string   `yaml:"user"`
	Password   string   `yaml:"password"`
	KeyFiles   []string `yaml:"key_files"`
	KnownHosts string   `yaml:"known_hosts"`
}

// loadFileConfig merges the YAML config file (explicit path or the default
// location) into any flags the user did not set.
func loadFileConfig() error {
	path := flags.configFile
	if path == "" {
		defaultPath, err := config.GetDefaultConfigPath()
		if err != nil {
			return nil
		}
		if _, err := os.Stat(defaultPath); err != nil {
			return nil
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if flags.host == "" {
		flags.host = fc.Host
	}
	if flags.port == 22 && fc.Port != 0 {
		flags.port = fc.Port
	}
	if flags.user == "" {
		flags.user = fc.User
	}
	if flags.password == "" {
		flags.password = fc.Password
	}
	if len(flags.keyFiles) == 0 {
		flags.keyFiles = fc.KeyFiles
	}
	if flags.knownHosts == "" {
		flags.knownHosts = fc.KnownHosts
	}
	return nil
}

// connect dials and authenticates per the flags, returning a ready client.
func connect() (*client.Client, error) {
	if err := loadFileConfig(); err != nil {
		return nil, err
	}
	if flags.host == "" {
		return nil, fmt.Errorf("no host given (--host or config file)")
	}
	if flags.user == "" {
		return nil, fmt.Errorf("no user given (--user or config file)")
	}

	c := client.New(nil)

	if flags.insecure {
		pterm.Warning.Println("Host key verification disabled")
		c.AddHostKeyVerifier(client.InsecureAcceptAnyHostKey())
	} else {
		kh := defaultKnownHosts()
		verifier, err := client.NewKnownHostsVerifier(kh)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", kh, err)
		}
		c.AddHostKeyVerifier(verifier)
	}

	addr := net.JoinHostPort(flags.host, fmt.Sprintf("%d", flags.port))
	spinner, _ := pterm.DefaultSpinner.Start("Connecting to " + addr)
	if err := c.Dial(addr); err != nil {
		spinner.Fail(err.Error())
		return nil, err
	}
	spinner.UpdateText("Authenticating as " + flags.user)

	var methods []userauth.Method
	for _, path := range flags.keyFiles {
		m, err := loadKeyMethod(path)
		if err != nil {
			spinner.Fail(err.Error())
			c.Disconnect()
			return nil, err
		}
		methods = append(methods, m)
	}
	if flags.password != "" {
		methods = append(methods, &userauth.Password{Password: flags.password})
	}
	methods = append(methods, &userauth.KeyboardInteractive{Challenge: promptChallenge})

	if err := c.Authenticate(flags.user, methods...); err != nil {
		spinner.Fail(err.Error())
		c.Disconnect()
		return nil, err
	}
	spinner.Success("Connected to " + addr)
	return c, nil
}

func promptChallenge(name, instruction string, prompts []userauth.KeyboardInteractivePrompt) ([]string, error) {
	if name != "" {
		pterm.Info.Println(name)
	}
	if instruction != "" {
		pterm.Info.Println(instruction)
	}
	responses := make([]string, len(prompts))
	for i, p := range prompts {
		input := pterm.DefaultInteractiveTextInput
		if !p.Echo {
			input = *input.WithMask("*")
		}
		answer, err := input.Show(p.Text)
		if err != nil {
			return nil, err
		}
		responses[i] = answer
	}
	return responses, nil
}
