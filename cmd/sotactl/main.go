package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adrg/xdg"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/dougsko/sotacat/pkg/client"
	"github.com/dougsko/sotacat/pkg/config"
	"github.com/dougsko/sotacat/pkg/protocol"
)

var (
	socketPath = pflag.StringP("socket", "s", config.DefaultSocketPath(), "Unix socket path")
	command    = pflag.String("cmd", "", "Command to send (e.g., 'STATUS', 'TUNE:14285000 USB')")
	help       = pflag.BoolP("help", "h", false, "Show help")
)

func main() {
	pflag.Parse()

	if *help {
		showHelp()
		return
	}

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	c := client.NewSocketClient(*socketPath)

	if *command == "" && pflag.NArg() > 0 {
		*command = strings.Join(pflag.Args(), " ")
	}

	// No command: interactive shell
	if *command == "" {
		if err := interactive(c); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ok, err := send(c, *command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

// send runs one command and prints the raw response line.
func send(c *client.SocketClient, cmd string) (bool, error) {
	response, err := c.SendCommand(cmd)
	if err != nil {
		return false, err
	}
	fmt.Printf("%s\n", response.String())
	return response.Success, nil
}

func interactive(c *client.SocketClient) error {
	if !c.IsConnected() {
		return fmt.Errorf("sotad is not answering on %s", *socketPath)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	historyPath, err := xdg.StateFile("sotacat/sotactl_history")
	if err == nil {
		if f, err := os.Open(historyPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(historyPath); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	fmt.Printf("Connected to %s. Type HELP for commands, QUIT to leave.\n", *socketPath)
	for {
		str, err := line.Prompt("sotacat> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		str = strings.TrimSpace(str)
		if str == "" || str[0] == '#' {
			continue
		}
		line.AppendHistory(str)

		switch strings.ToUpper(str) {
		case "HELP", "?":
			showCommands()
			continue
		case protocol.CmdQuit, "EXIT", "Q":
			return nil
		}

		if _, err := send(c, str); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func completeCommand(prefix string) []string {
	var out []string
	upper := strings.ToUpper(prefix)
	for _, cmd := range protocol.Commands() {
		if strings.HasPrefix(cmd, upper) {
			out = append(out, cmd)
		}
	}
	return out
}

func showHelp() {
	fmt.Println("sotactl - sotad control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] [command]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Without a command sotactl starts an interactive shell.")
	fmt.Println()
	fmt.Println("Options:")
	pflag.PrintDefaults()
	fmt.Println()
	showCommands()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s 'TUNE:14.285 USB'\n", os.Args[0])
	fmt.Printf("  %s SPOT:0\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U %s\n", config.DefaultSocketPath())
}

func showCommands() {
	fmt.Println("Commands:")
	fmt.Println("  STATUS                    Get daemon and link status")
	fmt.Println("  CONNECT                   Open the serial link")
	fmt.Println("  DISCONNECT                Close the serial link")
	fmt.Println("  TUNE:<freq> <mode>        Tune, freq in Hz or MHz (14285000 or 14.285)")
	fmt.Println("  MODE:<mode>               Set mode only (LSB, USB, CW, FM, AM)")
	fmt.Println("  SPOTS[:<n>]               List cached spots")
	fmt.Println("  SPOT:<index>              Tune to a cached spot")
	fmt.Println("  REFRESH                   Fetch spots now")
	fmt.Println("  HISTORY[:<n>]             Show recent tunes")
	fmt.Println("  WINDOW[:<min> <max>]      Show or set the tuning window in MHz")
	fmt.Println("  PING                      Test connection")
}
