package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalFd returns the descriptor of in when it is an interactive terminal.
func terminalFd(in io.Reader) (int, bool) {
	f, ok := in.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// readSecret reads a passkey or master credential. On a terminal it prompts
// without echo; otherwise it reads one line from stdin so scripts can pipe
// the value in.
func (c *cli) readSecret(prompt string) (string, error) {
	if fd, ok := terminalFd(c.in); ok {
		fmt.Fprint(c.errOut, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(c.errOut)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(b), nil
	}
	return c.readLine()
}

// readNewSecret reads a secret and, on a terminal, asks for it twice.
func (c *cli) readNewSecret(prompt string) (string, error) {
	first, err := c.readSecret(prompt)
	if err != nil {
		return "", err
	}
	if _, ok := terminalFd(c.in); !ok {
		return first, nil
	}
	second, err := c.readSecret("Confirm: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("inputs do not match")
	}
	return first, nil
}

// readLine reads one line from stdin without its line ending.
func (c *cli) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("unexpected end of input")
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
