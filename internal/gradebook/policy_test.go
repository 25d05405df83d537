package gradebook

import (
	"path/filepath"
	"testing"

	"lmsfetch/internal/dwr"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"
)

var testGroups = []Group{
	{Name: "Alle", ID: "5002_1"},
	{Name: "Gruppe DA1 hold 3", ID: "5001_1"},
}

func TestPolicyDisplayGroup(t *testing.T) {
	require.Equal(t, "-", Policy{}.DisplayGroup(nil))
	require.Equal(t, "Alle", Policy{}.DisplayGroup(testGroups))

	p := Policy{GroupPattern: `Gruppe (\w+) hold (\d+)`, GroupReplace: "$1-$2"}
	require.NoError(t, p.Validate())
	require.Equal(t, "DA1-3", p.DisplayGroup(testGroups))
	require.Equal(t, "", p.DisplayGroup(testGroups[:1]))
}

func TestPolicyValidate(t *testing.T) {
	require.Error(t, Policy{AssignmentPattern: "("}.Validate())
	require.NoError(t, Policy{}.Validate())
}

func TestPolicyDisplayAssignment(t *testing.T) {
	p := Policy{AssignmentPattern: `Aflevering (\d+)`, AssignmentReplace: "A$1"}
	require.Equal(t, "A3", p.DisplayAssignment("Aflevering 3"))
	require.Equal(t, "Eksamen", p.DisplayAssignment("Eksamen"))
	// the pattern must match the whole name
	require.Equal(t, "Aflevering 3b", p.DisplayAssignment("Aflevering 3b"))
}

func TestPolicyVisible(t *testing.T) {
	require.True(t, Policy{}.Visible(nil))

	p := Policy{Classes: []string{"Gruppe DA1 hold 3"}}
	require.True(t, p.Visible(testGroups))
	require.False(t, p.Visible(testGroups[:1]))
}

func TestPolicyAttemptDirectory(t *testing.T) {
	assignment := Assignment{ID: "219347", Name: "Aflevering 3", Group: true}
	attempt := Attempt{
		Info:       dwr.AttemptInfo{GroupAttemptID: "_17773_1", GroupName: "Gruppe DA1 hold 3"},
		Assignment: assignment,
	}

	require.Equal(t,
		filepath.Join("Aflevering 3", "Gruppe DA1 hold 3 (_17773_1)"),
		Policy{}.AttemptDirectory(assignment, attempt))

	p := Policy{
		AssignmentPattern:        `Aflevering (\d+)`,
		AssignmentReplace:        "A$1",
		AttemptDirectoryTemplate: "~/grading/{assignment}/{class}-{group}_{id}",
	}
	home, err := homedir.Dir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "grading/A3/DA1-3_17773"), p.AttemptDirectory(assignment, attempt))
}

func TestPolicyCell(t *testing.T) {
	attempt := func(score *float64, status *string) Attempt {
		return Attempt{Info: dwr.AttemptInfo{Score: score, Status: status}}
	}
	attempts := []Attempt{
		attempt(ptr(0.0), nil),
		attempt(ptr(0.5), nil),
		attempt(nil, nil),
		attempt(ptr(1.0), nil),
		attempt(nil, ptr("ng")),
	}
	require.Equal(t, "✘0.5✔⤓", Policy{}.Cell(attempts))
	require.Equal(t, "", Policy{}.Cell(nil))
}
