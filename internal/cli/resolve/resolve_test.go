package resolve

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/tracer/internal/agent/resolver"
	"github.com/coral-mesh/tracer/internal/cli/helpers"
)

type tableResolver map[string][]resolver.Match

func (t tableResolver) EnumerateMatches(query string) ([]resolver.Match, error) {
	return t[query], nil
}

func collaborators(api tableResolver) resolver.Collaborators {
	return resolver.Collaborators{
		NewModuleResolver: func() (resolver.APIResolver, error) { return api, nil },
	}
}

func TestSpecFlagsKeepCommandLineOrder(t *testing.T) {
	var spec [][3]string
	fs := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
	addSpecFlags(fs, &spec)

	require.NoError(t, fs.Parse([]string{"-i", "libc*!open*", "-X", "libssl*", "--include", "libz!inflate", "-x", "libc*!openat"}))

	assert.Equal(t, [][3]string{
		{"include", "function", "libc*!open*"},
		{"exclude", "module", "libssl*"},
		{"include", "function", "libz!inflate"},
		{"exclude", "function", "libc*!openat"},
	}, spec)
	assert.Equal(t, "[libc*!open*,libz!inflate]", fs.Lookup("include").Value.String())
}

func TestResolveAppliesIncludesThenExcludes(t *testing.T) {
	api := tableResolver{
		"exports:libc!open*": {{Name: "libc!openat", Address: 0x2000}, {Name: "libc!open", Address: 0x1000}},
		"exports:libc!openat": {{Name: "libc!openat", Address: 0x2000}},
	}

	rows, err := resolve(collaborators(api), [][3]string{
		{"include", "function", "libc!open*"},
		{"exclude", "function", "libc!openat"},
	}, zerolog.Nop())
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, Row{Flavor: "c", Scope: "libc", Name: "open", Address: 0x1000}, rows[0])
}

func TestResolveRejectsJavaWithoutRuntime(t *testing.T) {
	_, err := resolve(collaborators(tableResolver{}), [][3]string{{"include", "java-method", "*!*"}}, zerolog.Nop())
	assert.ErrorIs(t, err, resolver.ErrJavaUnavailable)
}

func TestPrintRowsEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRows(&buf, &helpers.TableFormatter{}, nil))
	assert.Equal(t, "No functions matched\n", buf.String())

	buf.Reset()
	require.NoError(t, printRows(&buf, &helpers.JSONFormatter{}, []Row{}))
	assert.JSONEq(t, `[]`, buf.String())
}
