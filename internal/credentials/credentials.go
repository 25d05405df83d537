// Package credentials provides the username and password used to log in to
// the identity provider.
package credentials

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"lmsfetch/internal/components/assert"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// DefaultService is the keyring service passwords are stored under.
const DefaultService = "lmsfetch WAYF"

var ErrForgetUnsupported = errors.New("credentials: this source cannot forget passwords")

// Source satisfies lms.Credentials.
type Source interface {
	Auth(ctx context.Context) (username, password string, err error)
	Forget() error
}

// Prompter asks the user for whatever is missing.
type Prompter interface {
	Username() (string, error)
	Password(username string) (string, error)
}

// Terminal prompts on Out and reads from In, passwords are read without echo
// when In is a terminal.
type Terminal struct {
	In  *os.File
	Out io.Writer

	reader *bufio.Reader
}

func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) readLine() (string, error) {
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}
	line, err := t.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *Terminal) Username() (string, error) {
	fmt.Fprint(t.Out, "WAYF username: ")
	return t.readLine()
}

func (t *Terminal) Password(username string) (string, error) {
	fmt.Fprintf(t.Out, "Please enter password for %s to store in keyring.\nPassword: ", username)
	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		return t.readLine()
	}
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// Keyring keeps the password in the system keyring, prompting for it (and the
// username, if not given) the first time.
type Keyring struct {
	Service  string
	Username string
	Prompt   Prompter

	password string
}

func NewKeyring(username string, prompt Prompter) *Keyring {
	assert.NotNil(prompt)
	return &Keyring{Service: DefaultService, Username: username, Prompt: prompt}
}

func (k *Keyring) Auth(context.Context) (string, string, error) {
	if k.password != "" {
		return k.Username, k.password, nil
	}

	if k.Username == "" {
		username, err := k.Prompt.Username()
		if err != nil {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		if username == "" {
			return "", "", errors.New("credentials: empty username")
		}
		k.Username = username
	}

	password, err := keyring.Get(k.Service, k.Username)
	if errors.Is(err, keyring.ErrNotFound) {
		password, err = k.Prompt.Password(k.Username)
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		err = keyring.Set(k.Service, k.Username, password)
		if err != nil {
			return "", "", fmt.Errorf("store password: %w", err)
		}
	} else if err != nil {
		return "", "", fmt.Errorf("keyring: %w", err)
	}

	k.password = password
	return k.Username, k.password, nil
}

// Forget removes the stored password, the next Auth prompts again.
func (k *Keyring) Forget() error {
	k.password = ""
	if k.Username == "" {
		return nil
	}
	err := keyring.Delete(k.Service, k.Username)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// PassStore reads the password from the first line of a pass(1) entry.
type PassStore struct {
	Username string
	Entry    string
	// Command defaults to "pass".
	Command string
}

func (p PassStore) Auth(ctx context.Context) (string, string, error) {
	if p.Username == "" {
		return "", "", errors.New("credentials: pass store needs a username")
	}
	command := p.Command
	if command == "" {
		command = "pass"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, "show", p.Entry)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return "", "", fmt.Errorf("%s show %s: %w: %s", command, p.Entry, err, strings.TrimSpace(stderr.String()))
	}

	password, _, _ := strings.Cut(stdout.String(), "\n")
	if password == "" {
		return "", "", fmt.Errorf("credentials: pass entry %s is empty", p.Entry)
	}
	return p.Username, password, nil
}

func (PassStore) Forget() error {
	return ErrForgetUnsupported
}

// Static always returns the same credentials.
type Static struct {
	Username string
	Password string
}

func (s Static) Auth(context.Context) (string, string, error) {
	return s.Username, s.Password, nil
}

func (Static) Forget() error {
	return nil
}
