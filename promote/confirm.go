package promote

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PromptConfirmer asks on w and reads the answer from r. Only "y" or "yes"
// (any case) approves; end of input declines.
func PromptConfirmer(r io.Reader, w io.Writer) ConfirmFunc {
	br := bufio.NewReader(r)
	return func(prompt string) bool {
		if w != nil {
			fmt.Fprintf(w, "%s [y/N]: ", prompt)
		}
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// ConsoleConfirmer prompts on stderr when stdin is a terminal. Piped input is
// read silently so a scripted answer can be supplied.
func ConsoleConfirmer() ConfirmFunc {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return PromptConfirmer(os.Stdin, os.Stderr)
	}
	return PromptConfirmer(os.Stdin, nil)
}
