// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
)

var usage = `
	gwcli is a tool to interact with a running FaaS gateway. It talks to the
	gateway's admin endpoints on the HTTP port.

	You can issue one command to a given gateway by typing something like:

		gwcli [--gateway <host:port>] <subcommand> [<flags>...]

	Alternatively, you can start a command line interpreter by typing:

		gwcli [--gateway <host:port>] shell

	In this mode you are able to issue commands interactively.
`

// gwCli wraps the cli.App plus the shared HTTP client state.
type gwCli struct {
	app *cli.App

	httpClient *http.Client

	// True if we are running a shell.
	inShell bool
}

// newGwCli creates a new gwCli object.
func newGwCli() *gwCli {
	g := &gwCli{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	app := cli.NewApp()
	app.Name = "gwcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "gateway, g",
			Value: "localhost:8080",
			Usage: "host:port of the gateway's HTTP listener",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "nodes",
			Usage:  "Show connected engine nodes and call table sizes",
			Action: g.cmdNodes,
		},
		{
			Name:   "metrics",
			Usage:  "Dump the gateway's prometheus metrics",
			Action: g.cmdMetrics,
		},
		{
			Name:  "call",
			Usage: "Invoke a function: call <name> <input>",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "async",
					Usage: "acknowledge on acceptance instead of waiting for the result",
				},
			},
			Action: g.cmdCall,
		},
		{
			Name:   "quit",
			Usage:  "Shut the gateway process down (testing only)",
			Action: g.cmdQuit,
		},
		{
			Name:   "shell",
			Usage:  "Start an interactive shell",
			Action: g.cmdShell,
		},
	}
	g.app = app
	return g
}

func (g *gwCli) run(args []string) error {
	return g.app.Run(args)
}

func (g *gwCli) gatewayURL(c *cli.Context, path string) string {
	return fmt.Sprintf("http://%s%s", c.GlobalString("gateway"), path)
}

// get fetches an admin endpoint and returns the body.
func (g *gwCli) get(c *cli.Context, path string) (string, error) {
	resp, err := g.httpClient.Get(g.gatewayURL(c, path))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// cmdNodes implements "nodes" subcommand.
func (g *gwCli) cmdNodes(c *cli.Context) {
	body, err := g.get(c, "/nodes")
	if err != nil {
		log.Errorf("error: %v", err)
		return
	}
	fmt.Println(strings.TrimSpace(body))
}

// cmdMetrics implements "metrics" subcommand.
func (g *gwCli) cmdMetrics(c *cli.Context) {
	body, err := g.get(c, "/metrics")
	if err != nil {
		log.Errorf("error: %v", err)
		return
	}
	fmt.Print(body)
}

// cmdCall implements "call" subcommand.
func (g *gwCli) cmdCall(c *cli.Context) {
	args := c.Args()
	if len(args) < 1 {
		log.Errorf("usage: call <name> [<input>]")
		return
	}
	input := ""
	if len(args) > 1 {
		input = args[1]
	}
	url := g.gatewayURL(c, "/function/"+args[0])
	if c.Bool("async") {
		url += "?async=1"
	}
	resp, err := g.httpClient.Post(url, "application/octet-stream", strings.NewReader(input))
	if err != nil {
		log.Errorf("error: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Errorf("call failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		return
	}
	fmt.Println(string(body))
}

// cmdQuit implements "quit" subcommand.
func (g *gwCli) cmdQuit(c *cli.Context) {
	// The gateway dies handling this, so a transport error is expected.
	g.get(c, "/_quit")
	fmt.Println("quit request sent")
}

// cmdShell implements "shell" subcommand.
func (g *gwCli) cmdShell(c *cli.Context) {
	g.inShell = true
	defer func() { g.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range g.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(gw) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want to split the input line into
		// tokens using shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if g.runCommand(c, args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

func (g *gwCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"gwcli", "--gateway", c.GlobalString("gateway")}
	cliArgs = append(cliArgs, args...)
	return g.run(cliArgs)
}
