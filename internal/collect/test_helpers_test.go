package collect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// fakeResolver is a test double for domain.PackageResolver.
type fakeResolver struct {
	packages map[string]*domain.InstalledPackage
	calls    []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{packages: make(map[string]*domain.InstalledPackage)}
}

func (f *fakeResolver) Locate(ctx context.Context, name string) (*domain.InstalledPackage, error) {
	f.calls = append(f.calls, name)
	pkg, ok := f.packages[name]
	if !ok {
		return nil, fmt.Errorf("package %s not installed", name)
	}
	return pkg, nil
}

// install writes files into a fake site-packages dir and registers them.
func (f *fakeResolver) install(t *testing.T, site, name string, files map[string]string) {
	t.Helper()
	pkg := &domain.InstalledPackage{Name: name, Location: site}
	for rel, content := range files {
		writeFile(t, filepath.Join(site, filepath.FromSlash(rel)), content)
		pkg.Files = append(pkg.Files, rel)
	}
	f.packages[name] = pkg
}

var _ domain.PackageResolver = (*fakeResolver)(nil)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func warningSubjects(r *Report) []string {
	var out []string
	for _, w := range r.Warnings {
		out = append(out, w.Subject)
	}
	return out
}
