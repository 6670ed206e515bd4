package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipShowRequests = `Name: requests
Version: 2.31.0
Summary: Python HTTP for Humans.
Location: /venv/lib/python3.12/site-packages
Requires: certifi, charset-normalizer, idna, urllib3
Required-by:
Files:
  requests-2.31.0.dist-info/INSTALLER
  requests-2.31.0.dist-info/METADATA
  requests/__init__.py
  requests/api.py
  ../../../bin/normalizer
`

func TestParsePipShow(t *testing.T) {
	pkg, err := parsePipShow([]byte(pipShowRequests))
	require.NoError(t, err)

	assert.Equal(t, "requests", pkg.Name)
	assert.Equal(t, "/venv/lib/python3.12/site-packages", pkg.Location)
	assert.Equal(t, []string{
		"requests-2.31.0.dist-info/INSTALLER",
		"requests-2.31.0.dist-info/METADATA",
		"requests/__init__.py",
		"requests/api.py",
	}, pkg.Files)
}

func TestParsePipShow_Errors(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"empty output", "", "not found"},
		{"no files", "Name: x\nLocation: /site\nFiles:\n", "no file record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePipShow([]byte(tt.out))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPipResolver_Locate(t *testing.T) {
	var gotArgs []string
	r := NewPipResolverWithRunner("/usr/bin/python3", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(pipShowRequests), nil
	})

	pkg, err := r.Locate(context.Background(), "requests")
	require.NoError(t, err)
	assert.Equal(t, "requests", pkg.Name)
	assert.Equal(t, []string{"/usr/bin/python3", "-m", "pip", "show", "-f", "requests"}, gotArgs)
}

func TestPipResolver_LocateFailures(t *testing.T) {
	r := NewPipResolverWithRunner("python3", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1: WARNING: Package(s) not found: nope")
	})
	_, err := r.Locate(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	noPython := NewPipResolverWithRunner("", nil)
	_, err = noPython.Locate(context.Background(), "requests")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no python interpreter")
}
