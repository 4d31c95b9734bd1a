package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/download"
	"golang.org/x/term"
)

// readPassword and isTerminal are swapped out in tests
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// promptCredentials asks for a username and password for host. The
// password is read without echo.
func promptCredentials(reader *bufio.Reader, w io.Writer, host string) (download.Credentials, error) {
	if _, err := fmt.Fprintf(w, "%s requires authentication\nUsername: ", host); err != nil {
		return download.Credentials{}, err
	}
	user, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(user) > 0) {
		return download.Credentials{}, err
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return download.Credentials{}, errors.New("no username entered")
	}

	fmt.Fprint(w, "Password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return download.Credentials{}, err
	}
	return download.Credentials{Username: user, Password: string(pw)}, nil
}
