package linenoise

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// ErrAborted is returned by Prompt when the user pressed Ctrl-C.
var ErrAborted = liner.ErrPromptAborted

type LineNoise struct {
	*liner.State
	out io.Writer
}

// New takes over the terminal; Close gives it back. words feeds tab
// completion of the first word on the line.
func New(words []string) *LineNoise {
	ln := &LineNoise{State: liner.NewLiner(), out: os.Stdout}
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) []string {
		var c []string
		for _, w := range words {
			if strings.HasPrefix(w, strings.ToLower(line)) {
				c = append(c, w)
			}
		}
		return c
	})
	return ln
}

func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	_, err := ln.WriteHistory(&buf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0644)
}

func (ln *LineNoise) ClearScreen() error {
	_, err := fmt.Fprint(ln.out, "\x1b[H\x1b[2J")
	return err
}
