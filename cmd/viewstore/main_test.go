package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/query"
)

const library = `[
  {"_id": "s1", "@class": "Series", "name": "Berserk", "genres": ["action"]},
  {"_id": "s2", "@class": "Series", "name": "Akira", "genres": ["action", "scifi"]},
  {"_id": "v1", "@class": "Volume", "series_id": "s1", "volume_number": 1, "owner_id": "u1",
   "pages": [{"filename": "001.jpg"}]}
]`

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", filepath.Join(dir, "db"), "--log-level", "error"}, args...))
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestLoadSyncQuery(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := filepath.Join(dir, "library.json")
	require.NoError(t, os.WriteFile(file, []byte(library), 0o644))
	page := filepath.Join(dir, "001.jpg")
	require.NoError(t, os.WriteFile(page, bytes.Repeat([]byte{7}, 64), 0o644))

	out := run(t, dir, "load", file, "--sync")
	assert.Contains(t, out, "loaded 3 documents, 0 conflicts")
	assert.Contains(t, out, "series_by_attribute")

	// the file carries no revisions, so a second load conflicts
	out = run(t, dir, "load", file)
	assert.Contains(t, out, "loaded 0 documents, 3 conflicts")
	assert.Contains(t, out, "conflict: ")

	out = run(t, dir, "load", file, "--overwrite")
	assert.Contains(t, out, "loaded 3 documents, 0 conflicts")

	out = run(t, dir, "load", writeRevs(t, dir, `[{"_id": "s1", "_rev": "1-stale", "@class": "Series", "name": "Berserk"}]`))
	assert.Contains(t, out, "loaded 0 documents, 1 conflicts")

	out = run(t, dir, "attach", "v1", "001.jpg", page)
	assert.Contains(t, out, "v1/001.jpg: 64 bytes")

	out = run(t, dir, "query", "series_by_attribute", "--prefix", `["genre:action"]`)
	var resp query.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "s2", resp.Rows[0].ID)
	assert.Equal(t, "s1", resp.Rows[1].ID)

	out = run(t, dir, "query", "page_bytes_by_owner", "--group")
	resp = query.Response{}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 64.0, resp.Items[0].Value)

	out = run(t, dir, "views")
	assert.Contains(t, out, "volume_by_series")
}

func writeRevs(t *testing.T, dir, docs string) string {
	t.Helper()
	file := filepath.Join(dir, "revs.json")
	require.NoError(t, os.WriteFile(file, []byte(docs), 0o644))
	return file
}

func TestQueryFlags(t *testing.T) {
	f := queryFlags{prefix: `["u1"]`, descending: true, limit: 2, includeMissing: true}
	req, err := f.request("bookmarks_by_user")
	require.NoError(t, err)
	assert.Equal(t, collate.Key{"u1"}, req.Options.StartKey)
	assert.Equal(t, collate.Key{"u1", collate.High}, req.Options.EndKey)
	assert.True(t, req.Options.Descending)
	assert.Equal(t, 2, req.Options.Limit)
	assert.True(t, req.IncludeDocs)

	f = queryFlags{start: `["a"`, end: `nope`}
	_, err = f.request("v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--start")
	assert.Contains(t, err.Error(), "--end")
}
