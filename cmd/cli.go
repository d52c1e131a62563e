package cmd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fzft/go-nioendpoint/deps/linenoise"
	"github.com/fzft/go-nioendpoint/endpoint"
	"github.com/fzft/go-nioendpoint/log"
	"go.uber.org/zap"
)

var (
	CliHisFileEnv     = "NIOCLI_HISTFILE"
	CliHisFileDefault = ".niocli_history"
)

// Controller is the part of an endpoint the console drives.
type Controller interface {
	LocalAddr() *net.TCPAddr
	BindState() endpoint.BindState
	IsRunning() bool
	IsPaused() bool
	Pause()
	Resume()
	MaxConnections() int64
	SetMaxConnections(n int64)
	ConnectionCount() int64
	Executor() *endpoint.Executor
}

// Console is an interactive admin shell for a running server.
type Console struct {
	ctl     Controller
	stop    func() error
	version string
	out     io.Writer
	line    *linenoise.LineNoise
}

func NewConsole(ctl Controller, stop func() error, version string) *Console {
	return &Console{ctl: ctl, stop: stop, version: version, out: os.Stdout}
}

// Run reads commands until quit, stop, Ctrl-C or end of input. The server
// is stopped before Run returns.
func (c *Console) Run() error {
	c.line = linenoise.New(commandNames())
	defer c.Close()

	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = c.line.HistoryLoad(historyFile)
	}

	fmt.Fprintf(c.out, "%s\ntype 'help' for the list of commands\n", c.version)
	for {
		text, err := c.line.Prompt(c.prompt())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, linenoise.ErrAborted) {
				log.Logger.Warn("console input failed", zap.Error(err))
			}
			break
		}

		argv := splitArgs(text)
		if len(argv) == 0 {
			continue
		}
		c.line.AppendHistory(text)
		if historyFile != "" {
			_ = c.line.HistorySave(historyFile)
		}

		done, err := c.Exec(argv)
		if err != nil {
			fmt.Fprintf(c.out, "(error) %v\n", err)
		}
		if done {
			return nil
		}
	}
	return c.stop()
}

// Close gives the terminal back. It is safe to call more than once.
func (c *Console) Close() {
	if c.line != nil {
		_ = c.line.Close()
		c.line = nil
	}
}

// Exec runs one command and reports whether the console should end.
func (c *Console) Exec(argv []string) (bool, error) {
	name := strings.ToLower(argv[0])
	args := argv[1:]
	doc, ok := lookupCommand(name)
	if !ok {
		return false, fmt.Errorf("unknown command '%s', try 'help'", argv[0])
	}
	if len(args) < doc.minArgs || len(args) > doc.maxArgs {
		return false, fmt.Errorf("wrong number of arguments for '%s'", name)
	}

	switch name {
	case "status":
		c.status()
	case "pause":
		c.ctl.Pause()
		fmt.Fprintln(c.out, "OK")
	case "resume":
		c.ctl.Resume()
		fmt.Fprintln(c.out, "OK")
	case "maxconn":
		if len(args) == 0 {
			fmt.Fprintf(c.out, "(integer) %d\n", c.ctl.MaxConnections())
			return false, nil
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n < -1 || n == 0 {
			return false, fmt.Errorf("invalid connection limit '%s'", args[0])
		}
		c.ctl.SetMaxConnections(n)
		fmt.Fprintln(c.out, "OK")
	case "stop", "quit", "exit":
		return true, c.stop()
	case "clear":
		if c.line != nil {
			return false, c.line.ClearScreen()
		}
	case "help":
		c.help(args)
	}
	return false, nil
}

func (c *Console) status() {
	addr := "-"
	if a := c.ctl.LocalAddr(); a != nil {
		addr = a.String()
	}
	state := "stopped"
	if c.ctl.IsRunning() {
		state = "running"
		if c.ctl.IsPaused() {
			state = "paused"
		}
	}
	fmt.Fprintf(c.out, "addr:%s\n", addr)
	fmt.Fprintf(c.out, "bind_state:%s\n", c.ctl.BindState())
	fmt.Fprintf(c.out, "state:%s\n", state)
	fmt.Fprintf(c.out, "connections:%d\n", c.ctl.ConnectionCount())
	fmt.Fprintf(c.out, "max_connections:%d\n", c.ctl.MaxConnections())

	ex := c.ctl.Executor()
	if ex == nil {
		return
	}
	stats := ex.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "workers_%s:%d\n", k, stats[k])
	}
}

func (c *Console) help(args []string) {
	if len(args) == 1 {
		doc, ok := lookupCommand(strings.ToLower(args[0]))
		if !ok {
			fmt.Fprintf(c.out, "unknown command '%s'\n", args[0])
			return
		}
		fmt.Fprintf(c.out, "%s %s\n  %s\n", doc.name, doc.params, doc.summary)
		return
	}
	for _, doc := range commandTable {
		fmt.Fprintf(c.out, "%-8s %-10s %s\n", doc.name, doc.params, doc.summary)
	}
}

func (c *Console) prompt() string {
	if a := c.ctl.LocalAddr(); a != nil {
		return a.String() + "> "
	}
	return "not bound> "
}

func splitArgs(line string) []string {
	return strings.Fields(line)
}

func getDotfilePath(envOverride, dotFilename string) string {
	var dotPath string

	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		dotPath = path
	} else {
		home := os.Getenv("HOME")
		if home != "" {
			dotPath = fmt.Sprintf("%s/%s", home, dotFilename)
		}
	}
	return dotPath
}
