// Command goshell is the interactive CLI built on top of the goshell
// library: pick a host from a YAML config file, authenticate with a
// password or a private key, and drive a shell or a one-shot command.
// It generalizes the teacher's main.go (argument parsing, the
// host-picker prompt, the password/passphrase prompts) onto the
// registry-based Client API and jpillora/opts flag definitions.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jpillora/opts"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/goshell-project/goshell"
	"github.com/goshell-project/goshell/internal/config"
	"github.com/goshell-project/goshell/internal/keys"
)

// cliConfig mirrors the teacher's flat arguments map (arguments.go) as
// a struct opts.Parse can reflect over.
type cliConfig struct {
	Host    string `opts:"help=host name to connect to, from --config"`
	Config  string `opts:"help=path to the YAML host config file"`
	Verbose bool   `opts:"help=enable debug logging"`
	Cmd     string `opts:"help=run this command instead of an interactive shell"`
	Timeout int    `opts:"help=connection timeout in seconds"`

	GenerateConfig bool `opts:"help=write a sample config file to --config and exit"`
	ListHosts      bool `opts:"help=print the hosts defined in --config and exit"`
	Test           bool `opts:"help=exit immediately after a successful authentication"`

	GenerateKey string `opts:"help=generate a key pair (rsa or dsa) and exit"`
	KeyBits     int    `opts:"help=bit size for --generate-key"`
	KeyComment  string `opts:"help=comment embedded in the generated public key"`
	KeyOut      string `opts:"help=path prefix for --generate-key output (writes <prefix> and <prefix>.pub)"`
}

func main() {
	c := cliConfig{
		Config:  "goshell.yaml",
		Timeout: 15,
		KeyBits: 0,
		KeyOut:  "id_goshell",
	}
	opts.New(&c).
		Name("goshell").
		Version("2.0").
		Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if c.GenerateKey != "" {
		if err := runGenerateKey(c); err != nil {
			entry.WithError(err).Fatal("key generation failed")
		}
		return
	}

	if c.GenerateConfig {
		if err := os.WriteFile(c.Config, config.Sample(), 0644); err != nil {
			entry.WithError(err).Fatal("could not write sample config")
		}
		fmt.Printf("Wrote sample configuration to %s\n", c.Config)
		return
	}

	hosts, err := config.Load(c.Config)
	if err != nil {
		entry.WithError(err).Fatal("could not load configuration")
	}

	if c.ListHosts {
		if len(hosts) == 0 {
			fmt.Println("No hosts configured.")
			return
		}
		fmt.Println("Configured hosts:")
		for name := range hosts {
			fmt.Println(" -", name)
		}
		return
	}

	if len(hosts) == 0 {
		fmt.Println("No configuration found. Run with --generate-config to create one.")
		return
	}

	selectedName := c.Host
	if selectedName == "" {
		fmt.Println("Available Hosts:")
		for name := range hosts {
			fmt.Println(" -", name)
		}
		selectedName = strings.TrimSpace(promptLine("Select a host: "))
	}
	host, ok := hosts[strings.TrimSpace(selectedName)]
	if !ok {
		fmt.Println("Host not found in configuration.")
		os.Exit(1)
	}

	client := goshell.NewClient(entry)
	client.Start()
	defer client.Close()

	timeout := time.Duration(c.Timeout) * time.Second
	shell := c.Cmd == ""

	channelID, err := connectToHost(client, host, shell, c.Cmd, timeout)
	if err != nil {
		entry.WithError(err).Fatal("connection failed")
	}
	fmt.Println("Authentication complete.")

	if c.Test {
		fmt.Println("Test mode: authentication successful, exiting before session start.")
		return
	}

	if shell {
		runInteractiveShell(client, channelID)
	} else {
		runOneShotCommand(client, channelID, c.Cmd)
	}
}

// connectToHost replicates the teacher's key-then-password fallback
// (main.go): try public-key auth first when the host profile enables
// it, then fall back to an interactive password prompt.
func connectToHost(client *goshell.Client, host config.HostConfig, shell bool, cmd string, timeout time.Duration) (int, error) {
	if host.KeybasedAuthentication && host.IdentityFile != "" {
		fmt.Println("Key-based authentication is enabled. Proceeding with authentication...")
		id, err := client.ConnectWithKey(host.Hostname, host.Port, host.User, host.IdentityFile, nil, shell, cmd, timeout)
		if err == nil {
			return id, nil
		}
		fmt.Printf("Key-based auth failed: %v\n", err)

		fmt.Print("Enter key passphrase (leave blank to skip): ")
		passBytes, _ := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if len(passBytes) > 0 {
			id, err := client.ConnectWithKey(host.Hostname, host.Port, host.User, host.IdentityFile, passBytes, shell, cmd, timeout)
			if err == nil {
				return id, nil
			}
			fmt.Printf("Key-based auth with passphrase failed: %v\n", err)
		}
	}

	fmt.Printf("Password authentication for %s@%s\n", host.User, host.Hostname)
	fmt.Print("Enter password: ")
	pwdBytes, _ := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	return client.ConnectWithPassword(host.Hostname, host.Port, host.User, string(pwdBytes), shell, cmd, timeout)
}

// runInteractiveShell reads lines from stdin and sends each as a
// command, printing whatever the channel has buffered after every
// round trip. goshell's Channel is a plain byte pipe, not a pty
// session object, so this stays a line-oriented REPL rather than a
// raw-mode terminal relay.
func runInteractiveShell(client *goshell.Client, channelID int) {
	fmt.Println("Interactive shell. Type 'exit' to disconnect.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("$ ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "exit" {
			break
		}
		if !client.SendCmd(channelID, []byte(line+"\n"), 10*time.Second) {
			fmt.Println("(command timed out waiting for completion)")
		}
		data, err := client.Read(channelID)
		if err == nil && len(data) > 0 {
			os.Stdout.Write(data)
		}
	}
	client.CloseChannel(channelID)
}

// runOneShotCommand waits for the exec channel to report completion
// (EOF, CLOSE, or exit-status) and prints everything it buffered.
func runOneShotCommand(client *goshell.Client, channelID int, cmd string) {
	client.SendCmd(channelID, nil, 30*time.Second)
	data, err := client.Read(channelID)
	if err == nil {
		os.Stdout.Write(data)
	}
	client.CloseChannel(channelID)
}

func runGenerateKey(c cliConfig) error {
	algo := keys.Algorithm(strings.ToLower(c.GenerateKey))
	if algo != keys.DSA && algo != keys.RSA {
		return fmt.Errorf("unsupported algorithm %q, want rsa or dsa", c.GenerateKey)
	}
	privPath := c.KeyOut
	pubPath := c.KeyOut + ".pub"
	if err := keys.Generate(algo, c.KeyComment, privPath, pubPath, c.KeyBits); err != nil {
		return err
	}
	fmt.Printf("Wrote %s and %s\n", privPath, pubPath)
	return nil
}

func promptLine(prompt string) string {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return line
}
