package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type scriptedPrompt struct {
	username  string
	password  string
	usernames int
	passwords int
}

func (p *scriptedPrompt) Username() (string, error) {
	p.usernames++
	return p.username, nil
}

func (p *scriptedPrompt) Password(string) (string, error) {
	p.passwords++
	if p.password == "" {
		return "", errors.New("no password")
	}
	return p.password, nil
}

func TestKeyringPromptsOnce(t *testing.T) {
	keyring.MockInit()
	prompt := &scriptedPrompt{username: "au123", password: "hunter2"}
	k := NewKeyring("", prompt)

	username, password, err := k.Auth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "au123", username)
	require.Equal(t, "hunter2", password)

	stored, err := keyring.Get(DefaultService, "au123")
	require.NoError(t, err)
	require.Equal(t, "hunter2", stored)

	// a new process finds the password in the keyring
	again := NewKeyring("au123", &scriptedPrompt{})
	_, password, err = again.Auth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hunter2", password)

	require.Equal(t, 1, prompt.usernames)
	require.Equal(t, 1, prompt.passwords)
}

func TestKeyringForget(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(DefaultService, "au123", "old"))

	prompt := &scriptedPrompt{password: "new"}
	k := NewKeyring("au123", prompt)
	_, password, err := k.Auth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "old", password)

	require.NoError(t, k.Forget())
	_, err = keyring.Get(DefaultService, "au123")
	require.ErrorIs(t, err, keyring.ErrNotFound)
	require.NoError(t, k.Forget(), "forgetting twice is fine")

	_, password, err = k.Auth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "new", password)
	require.Equal(t, 1, prompt.passwords)
}

func TestKeyringPromptError(t *testing.T) {
	keyring.MockInit()
	k := NewKeyring("au123", &scriptedPrompt{})

	_, _, err := k.Auth(context.Background())
	require.ErrorContains(t, err, "read password")
	_, err = keyring.Get(DefaultService, "au123")
	require.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestKeyringEmptyUsername(t *testing.T) {
	keyring.MockInit()
	_, _, err := NewKeyring("", &scriptedPrompt{}).Auth(context.Background())
	require.ErrorContains(t, err, "empty username")
}

func TestPassStore(t *testing.T) {
	script := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf 'secret\\nurl: https://wayf.example\\n'\n"), 0700))

	store := PassStore{Username: "au123", Entry: "wayf", Command: script}
	username, password, err := store.Auth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "au123", username)
	require.Equal(t, "secret", password)
	require.ErrorIs(t, store.Forget(), ErrForgetUnsupported)
}

func TestPassStoreFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'Error: wayf is not in the password store.' >&2\nexit 1\n"), 0700))

	_, _, err := PassStore{Username: "au123", Entry: "wayf", Command: script}.Auth(context.Background())
	require.ErrorContains(t, err, "not in the password store")
}

func TestTerminalNotATerminal(t *testing.T) {
	in, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	_, err = in.WriteString("au123\nhunter2\n")
	require.NoError(t, err)
	_, err = in.Seek(0, 0)
	require.NoError(t, err)
	defer in.Close()

	out, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	defer out.Close()

	prompt := &Terminal{In: in, Out: out}
	username, err := prompt.Username()
	require.NoError(t, err)
	require.Equal(t, "au123", username)
	password, err := prompt.Password(username)
	require.NoError(t, err)
	require.Equal(t, "hunter2", password)
}
