package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI runs one command against dir with default configuration.
func runCLI(t *testing.T, dir, nodeID string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--data-dir", dir,
		"--node-id", nodeID,
	}, args...)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestCreateLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := createLogger(config.LoggingConfig{Level: "info", Output: "stdout"}, &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)
	logger.Debug("hidden")
	logger.Info("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	path := filepath.Join(t.TempDir(), "node.log")
	logger, closer, err = createLogger(config.LoggingConfig{Level: "debug", Output: "file", File: path}, nil)
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Debug("to file")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	_, _, err = createLogger(config.LoggingConfig{Level: "loud", Output: "stdout"}, &buf)
	assert.Error(t, err)
	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "syslog"}, &buf)
	assert.Error(t, err)
	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "file"}, &buf)
	assert.Error(t, err)
}

func writeEvidence(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "evidence.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func evidenceDoc(acked uint64, digest string, holds bool) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"primary": map[string]any{
			"node_id":           "node-a",
			"durable_commit_id": acked,
			"acked_commit_id":   acked,
			"acked_digest":      digest,
			"holds_authority":   holds,
			"observed_at":       now,
		},
		"replication": map[string]any{
			"primary_id":        "node-a",
			"applied_commit_id": 0,
			"primary_durable":   acked,
			"last_contact":      now,
		},
	}
}

func TestLoadEvidence(t *testing.T) {
	path := writeEvidence(t, evidenceDoc(7, "00000000000000ff", false))
	ev, err := loadEvidence(path, "node-b")
	require.NoError(t, err)
	assert.Equal(t, "node-a", ev.primary.NodeID)
	assert.Equal(t, core.CommitID(7), ev.primary.AckedCommitID)
	assert.Equal(t, uint64(0xff), ev.primary.AckedDigest)
	assert.False(t, ev.primary.HoldsAuthority)
	require.NotNil(t, ev.replication)
	assert.Equal(t, "node-b", ev.replication.ReplicaID)
	assert.Equal(t, "node-a", ev.replication.PrimaryID)
	assert.NoError(t, ev.replication.Err)

	doc := evidenceDoc(7, "", false)
	delete(doc, "replication")
	ev, err = loadEvidence(writeEvidence(t, doc), "node-b")
	require.NoError(t, err)
	assert.Nil(t, ev.replication)

	_, err = loadEvidence(writeEvidence(t, evidenceDoc(7, "zz", false)), "node-b")
	assert.Error(t, err)
	_, err = loadEvidence(filepath.Join(t.TempDir(), "none.json"), "node-b")
	assert.Error(t, err)
}

func TestCLI_AuthorityAndCheckpoint(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "node-a", "authority", "show")
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, out)["present"])

	out, err = runCLI(t, dir, "node-a", "authority", "init")
	require.NoError(t, err)
	assert.Equal(t, "node-a", decode(t, out)["primary_node_id"])

	_, err = runCLI(t, dir, "node-a", "authority", "init")
	assert.Error(t, err, "a second bootstrap is rejected")

	for i, kv := range [][2]string{{"a", "1"}, {"a", "2"}, {"b", "1"}} {
		out, err = runCLI(t, dir, "node-a", "put", kv[0], kv[1])
		require.NoError(t, err)
		assert.Equal(t, float64(i+1), decode(t, out)["commit_id"])
	}

	out, err = runCLI(t, dir, "node-a", "inspect-wal", "--records")
	require.NoError(t, err)
	assert.Contains(t, out, "commit=3 op=")

	out, err = runCLI(t, dir, "node-a", "get", "a", "--at", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", decode(t, out)["value"])

	out, err = runCLI(t, dir, "node-a", "status")
	require.NoError(t, err)
	st := decode(t, out)
	assert.Equal(t, true, st["primary"])
	assert.Equal(t, float64(3), st["durable_commit_id"])

	out, err = runCLI(t, dir, "node-a", "checkpoint", "--gc")
	require.NoError(t, err)
	assert.Equal(t, float64(3), decode(t, out)["commit_id"])

	out, err = runCLI(t, dir, "node-a", "inspect-wal")
	require.NoError(t, err)
	assert.Equal(t, float64(0), decode(t, out)["records"])
	assert.Equal(t, float64(3), decode(t, out)["checkpoint_commit_id"])

	out, err = runCLI(t, dir, "node-a", "get", "a")
	require.NoError(t, err)
	assert.Equal(t, "2", decode(t, out)["value"])

	out, err = runCLI(t, dir, "node-a", "recover")
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, out)["has_checkpoint"])

	out, err = runCLI(t, dir, "node-a", "authority", "demote")
	require.NoError(t, err)
	assert.Equal(t, "node-a", decode(t, out)["demoted"])
	_, found, err := authority.Read(dir)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCLI_RequiresNodeID(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node id")
}

func TestCLI_Promote(t *testing.T) {
	dir := t.TempDir()
	evidence := writeEvidence(t, evidenceDoc(0, "", false))

	out, err := runCLI(t, dir, "node-b", "promote", "--evidence", evidence)
	require.NoError(t, err)
	assert.Equal(t, "Validated", decode(t, out)["state"])
	_, found, err := authority.Read(dir)
	require.NoError(t, err)
	assert.False(t, found, "validation alone changes nothing")

	out, err = runCLI(t, dir, "node-b", "promote", "--evidence", evidence, "--yes")
	require.NoError(t, err)
	res := decode(t, out)
	assert.Equal(t, "node-b", res["primary_node_id"])
	assert.Equal(t, "node-a", res["previous_primary_id"])

	m, found, err := authority.Read(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, m.HeldBy("node-b"))
}

func TestCLI_PromoteDeniedOnGap(t *testing.T) {
	dir := t.TempDir()
	evidence := writeEvidence(t, evidenceDoc(5, "0000000000000005", false))

	out, err := runCLI(t, dir, "node-b", "promote", "--evidence", evidence, "--yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap 5")
	denied, ok := decode(t, out)["denied"].(map[string]any)
	require.True(t, ok, out)
	assert.Equal(t, "commit_gap", denied["code"])

	_, found, err := authority.Read(dir)
	require.NoError(t, err)
	assert.False(t, found)
}
