package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nevergoodstudy-hub/netops/pkg/models"
)

type runFunc func(cmd *cobra.Command, req models.RunRequest) error

func newSSHBatchCmd(g *globalFlags, run runFunc) *cobra.Command {
	var (
		configMode bool
		save       bool
		file       string
	)
	cmd := &cobra.Command{
		Use:   "ssh-batch [flags] -- <command>...",
		Short: "Send a list of CLI commands to every target",
		Long: `Send each command argument to every target over SSH and collect the
output. With --config the commands are sent in configuration mode; --save
writes the running configuration afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			commands := args
			if file != "" {
				lines, err := readCommands(file)
				if err != nil {
					return &exitError{code: exitUsage, err: err}
				}
				commands = append(commands, lines...)
			}
			req := g.request(cmd, models.OpSSHBatch)
			req.Commands = commands
			req.Config = configMode
			req.Save = save
			return run(cmd, req)
		},
	}
	cmd.Flags().BoolVar(&configMode, "config", false, "send the commands in configuration mode")
	cmd.Flags().BoolVar(&save, "save", false, "save the running configuration after the commands")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read commands from a file, one per line")
	return cmd
}

func newBackupCmd(g *globalFlags, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Store the running configuration of every target",
		Long: `Retrieve each target's running configuration and store it under the
backup directory as a timestamped snapshot plus config_latest.txt, with a
metadata.json history recording changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, g.request(cmd, models.OpBackup))
		},
	}
}

func newScanCmd(g *globalFlags, run runFunc) *cobra.Command {
	var (
		ports  string
		banner bool
	)
	cmd := &cobra.Command{
		Use:   "tcp-scan",
		Short: "Check which TCP ports accept connections",
		Long: `Try a TCP connection to every target and port. Ports are numbers,
ranges (8000-8010) or the named sets web, ssh, telnet, ftp, dns, smtp, mgmt
and common.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := g.request(cmd, models.OpTCPScan)
			req.Ports = ports
			req.Banner = banner
			return run(cmd, req)
		},
	}
	cmd.Flags().StringVarP(&ports, "ports", "p", "common", "ports to scan")
	cmd.Flags().BoolVar(&banner, "banner", false, "read the first bytes each open port sends")
	return cmd
}

// readCommands returns the non-blank lines of path that are not comments.
func readCommands(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
