package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/store"
	"github.com/roach88/wateringctl/internal/testutil"
)

// steppingClock moves one second forward every time it is read, so each
// loop iteration is one virtual second.
type steppingClock struct {
	*testutil.ManualClock
}

func (c steppingClock) Now() clock.Timestamp {
	c.Advance(1)
	return c.ManualClock.Now()
}

func mustParse(t *testing.T, s string) clock.Timestamp {
	t.Helper()
	ts, err := clock.ParseLocal(s, 0)
	require.NoError(t, err)
	return ts
}

// runFor runs the controller until timeout and returns its output.
func runFor(t *testing.T, opts *RunOptions, timeout time.Duration) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	err := runController(opts, cmd)
	return buf.String(), err
}

func newRunOptions(t *testing.T, fs afero.Fs, dbPath string, start clock.Timestamp) *RunOptions {
	t.Helper()
	return &RunOptions{
		RootOptions: &RootOptions{Format: "text", Fs: fs},
		Database:    dbPath,
		Interval:    time.Millisecond,
		Clock:       steppingClock{testutil.NewManualClock(start)},
		IDs:         testutil.NewSequentialIDs("run"),
	}
}

func TestRun_MissingDatabase(t *testing.T) {
	opts := &RunOptions{RootOptions: &RootOptions{Format: "text"}}

	_, err := runFor(t, opts, time.Second)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--db is required")
}

func TestRun_BadConfig(t *testing.T) {
	fs := memFiles(t, map[string]string{"/etc/bad.cue": "pool_size: 8\n"})
	opts := newRunOptions(t, fs, filepath.Join(t.TempDir(), "garden.db"), mustParse(t, "2024-03-04 05:59:50"))
	opts.Config = "/etc/bad.cue"

	_, err := runFor(t, opts, time.Second)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_RecordsValveChanges(t *testing.T) {
	fs := memFiles(t, map[string]string{"/etc/garden.cue": gardenCUE})
	dbPath := filepath.Join(t.TempDir(), "garden.db")
	start := mustParse(t, "2024-03-04 05:59:50") // a Monday

	opts := newRunOptions(t, fs, dbPath, start)
	opts.Config = "/etc/garden.cue"

	out, err := runFor(t, opts, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, out, "Controller started (session run-1).")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	sessions, err := st.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "run-1", sessions[0].ID)

	events, err := st.ValveEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 4)

	type change struct {
		At   int64
		Name string
		On   bool
	}
	var got []change
	for _, ev := range events {
		got = append(got, change{At: ev.At.Sub(start), Name: ev.Name, On: ev.On})
	}
	assert.Equal(t, []change{
		{10, "lawn", true},
		{15, "lawn", false},
		{15, "beds", true},
		{18, "beds", false},
	}, got)

	cfg, found, err := st.LoadConfig(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cfg.Valves, 2)
	assert.Equal(t, "lawn", cfg.Valves[0].Name)
	require.Len(t, cfg.Weekly, 1)
}

func TestRun_UsesStoredConfig(t *testing.T) {
	fs := memFiles(t, map[string]string{"/etc/garden.cue": gardenCUE})
	dbPath := filepath.Join(t.TempDir(), "garden.db")
	start := mustParse(t, "2024-03-04 05:59:50")

	first := newRunOptions(t, fs, dbPath, start)
	first.Config = "/etc/garden.cue"
	_, err := runFor(t, first, 50*time.Millisecond)
	require.NoError(t, err)

	// No --config: the configuration saved by the first run drives the
	// second one, a week later.
	second := newRunOptions(t, afero.NewMemMapFs(), dbPath, start.Add(7*clock.SecondsPerDay))
	second.IDs = testutil.NewSequentialIDs("again")
	_, err = runFor(t, second, 500*time.Millisecond)
	require.NoError(t, err)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	events, err := st.ValveEvents(context.Background(), "again-1")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "lawn", events[0].Name)
	assert.True(t, events[0].On)
}

func TestRun_FirstBootSavesDefaults(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "garden.db")
	opts := newRunOptions(t, afero.NewMemMapFs(), dbPath, mustParse(t, "2024-03-04 12:00:00"))

	_, err := runFor(t, opts, 50*time.Millisecond)
	require.NoError(t, err)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	cfg, found, err := st.LoadConfig(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, cfg.Valves)
	assert.Empty(t, cfg.Sequences)
}

func TestExportAndHistory(t *testing.T) {
	fs := memFiles(t, map[string]string{"/etc/garden.cue": gardenCUE})
	dbPath := filepath.Join(t.TempDir(), "garden.db")
	opts := newRunOptions(t, fs, dbPath, mustParse(t, "2024-03-04 05:59:50"))
	opts.Config = "/etc/garden.cue"
	_, err := runFor(t, opts, 500*time.Millisecond)
	require.NoError(t, err)

	t.Run("export", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewExportCommand(&RootOptions{Format: "text"})
		cmd.SetOut(buf)
		cmd.SetArgs([]string{"--db", dbPath})
		require.NoError(t, cmd.Execute())

		out := buf.String()
		assert.Contains(t, out, `"lawn"`)
		assert.Contains(t, out, "weekly")

		// The export loads back.
		back := memFiles(t, map[string]string{"/etc/exported.cue": out})
		vout, err := executeValidate(t, &RootOptions{Format: "text", Fs: back}, "/etc/exported.cue")
		require.NoError(t, err, vout)
	})

	t.Run("history", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewHistoryCommand(&RootOptions{Format: "json"})
		cmd.SetOut(buf)
		cmd.SetArgs([]string{"--db", dbPath, "--session", "run-1"})
		require.NoError(t, cmd.Execute())

		var resp struct {
			Status string           `json:"status"`
			Data   []SessionHistory `json:"data"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "run-1", resp.Data[0].ID)
		assert.Len(t, resp.Data[0].Events, 4)
	})

	t.Run("history unknown session", func(t *testing.T) {
		cmd := NewHistoryCommand(&RootOptions{Format: "text"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"--db", dbPath, "--session", "nope"})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session not found")
	})
}

func TestExport_NothingStored(t *testing.T) {
	cmd := NewExportCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "empty.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no configuration stored")
}

func TestSimulate(t *testing.T) {
	fs := memFiles(t, map[string]string{"/etc/garden.cue": gardenCUE})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewSimulateCommand(&RootOptions{Format: "text", Fs: fs})
		cmd.SetOut(buf)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--config", "/etc/garden.cue", "--start", "2024-03-04 05:00:00", "--hours", "2"})
		require.NoError(t, cmd.Execute())

		out := buf.String()
		assert.Contains(t, out, "Simulated 2024-03-04 05:00:00 to 2024-03-04 07:00:00")
		assert.Contains(t, out, "4 valve change(s), peak flow 12.0 L/min")
	})

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewSimulateCommand(&RootOptions{Format: "json", Fs: fs})
		cmd.SetOut(buf)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--config", "/etc/garden.cue", "--start", "2024-03-04 05:00:00", "--hours", "2"})
		require.NoError(t, cmd.Execute())

		var resp struct {
			Data Timeline `json:"data"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		require.Len(t, resp.Data.Events, 4)
		assert.Equal(t, "2024-03-04 06:00:00", resp.Data.Events[0].Local)
		assert.Equal(t, "lawn", resp.Data.Events[0].Name)
		assert.True(t, resp.Data.Events[0].On)
		assert.Equal(t, "None", resp.Data.Faults)
	})

	t.Run("bad hours", func(t *testing.T) {
		cmd := NewSimulateCommand(&RootOptions{Format: "text", Fs: fs})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"--hours", "0"})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}
