package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveGroupHostnameMode(t *testing.T) {
	hg := &HostGroups{DeduplicationGroup: "hostname"}
	assert.Equal(t, "R1", ResolveGroup(hg, "R1"))
}

func TestResolveGroupNilFallsBackToHostname(t *testing.T) {
	assert.Equal(t, "R1", ResolveGroup(nil, "R1"))
}

func TestResolveGroupMembershipMatch(t *testing.T) {
	hg := &HostGroups{
		DeduplicationGroup: "warehouse",
		Groups: map[string][]string{
			"warehouse": {"R1", "R2"},
			"dock":      {"R3"},
		},
	}
	assert.Equal(t, "warehouse", ResolveGroup(hg, "R1"))
	assert.Equal(t, "dock", ResolveGroup(hg, "R3"))
}

func TestResolveGroupUnknownHostFallsBackToHostname(t *testing.T) {
	hg := &HostGroups{
		DeduplicationGroup: "warehouse",
		Groups:             map[string][]string{"warehouse": {"R1"}},
	}
	assert.Equal(t, "R9", ResolveGroup(hg, "R9"))
}

func TestHostGroupWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostgroups.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"deduplicationGroup":"hostname"}`), 0o644))

	w, err := NewHostGroupWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "R1", w.Resolve("R1"))

	require.NoError(t, os.WriteFile(path, []byte(`{"deduplicationGroup":"g","groups":{"g":["R1"]}}`), 0o644))

	require.Eventually(t, func() bool {
		return w.Resolve("R1") == "g"
	}, 2*time.Second, 10*time.Millisecond)
}
