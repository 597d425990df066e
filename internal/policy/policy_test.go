package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/config"
)

func testDefaults() Policy {
	return Default(&config.PolicyEnv{Threshold: 6, MaxConcurrency: 8})
}

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	p := testDefaults()
	assert.Equal(t, 6.0, p.DelegationThreshold)
	assert.Equal(t, 8, p.MaxConcurrency)
	assert.Equal(t, 4.0, p.SimpleMax)
	assert.Equal(t, 7.0, p.MediumMax)
}

func TestLoad(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `
delegation_threshold: 5
max_concurrency: 4
vocabulary:
  investigation:
    - heisenbug
cross_cutting:
  - billing
`)

	p, err := Load(path, testDefaults())
	require.NoError(t, err)
	assert.Equal(t, 5.0, p.DelegationThreshold)
	assert.Equal(t, 4, p.MaxConcurrency)
	assert.Equal(t, []string{"heisenbug"}, p.Vocabulary["investigation"])
	assert.Equal(t, []string{"billing"}, p.CrossCutting)
	// Unset bands keep the defaults.
	assert.Equal(t, 4.0, p.SimpleMax)
	assert.Equal(t, 7.0, p.MediumMax)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `
delegation_threshold: -1
max_concurrency: 0
simple_max: 5
medium_max: 3
`)

	p, err := Load(path, testDefaults())
	require.NoError(t, err)
	assert.Equal(t, 6.0, p.DelegationThreshold)
	assert.Equal(t, 8, p.MaxConcurrency)
	assert.Equal(t, 5.0, p.SimpleMax)
	// MediumMax below SimpleMax is rejected.
	assert.Equal(t, 7.0, p.MediumMax)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), testDefaults())
	assert.Error(t, err)
}

func TestLoad_Malformed(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "{not yaml: [")
	_, err := Load(path, testDefaults())
	assert.Error(t, err)
}

func TestStore_Swap(t *testing.T) {
	s := NewStore(testDefaults())
	assert.Equal(t, 6.0, s.Current().DelegationThreshold)

	p := testDefaults()
	p.DelegationThreshold = 3
	s.Swap(p)
	assert.Equal(t, 3.0, s.Current().DelegationThreshold)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "delegation_threshold: 6\n")

	store := NewStore(testDefaults())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, store, path, testDefaults())
	}()

	// Give the watcher time to arm before mutating the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("delegation_threshold: 3\n"), 0o644))

	require.Eventually(t, func() bool {
		return store.Current().DelegationThreshold == 3
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatch_KeepsPolicyOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "delegation_threshold: 5\n")

	store := NewStore(testDefaults())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Watch(ctx, store, path, testDefaults()) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("{broken: ["), 0o644))

	// The previous policy stays in effect.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 6.0, store.Current().DelegationThreshold)
}
