package harness

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	fs := afero.NewOsFs()
	files, err := afero.Glob(fs, filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	h := New(fs)
	for _, file := range files {
		sc, err := LoadScenario(fs, file)
		require.NoError(t, err, file)

		t.Run(sc.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, h, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, result.Errors)
		})
	}
}

func TestGolden_Format(t *testing.T) {
	start := Step{At: 0, Action: ActionStart, Sequence: 2}
	orphans := Step{At: 5, Action: ActionDeleteOrphans}
	result := NewResult()
	result.addStep(0, &start, "OK")
	result.addValve(1, "lawn", true)
	result.addStep(5, &orphans, "OK")

	got, err := Golden("fmt", result)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"fmt"}
{"action":"start","at":0,"result":"OK","sequence":2,"type":"step"}
{"at":1,"on":true,"type":"valve","valve":"lawn"}
{"action":"delete_orphans","at":5,"result":"OK","type":"step"}
`, string(got))
}

func TestGolden_Deterministic(t *testing.T) {
	sc := newScenario([]Step{{At: 0, Action: ActionStart}}, nil)
	sc.Duration = 10
	h := New(afero.NewMemMapFs())

	first, err := h.Run(sc)
	require.NoError(t, err)
	second, err := h.Run(sc)
	require.NoError(t, err)

	a, err := Golden(sc.Name, first)
	require.NoError(t, err)
	b, err := Golden(sc.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": true, "c": "x"}, `{"a":true,"b":1,"c":"x"}`},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"nfc", "cafe\u0301", "\"caf\u00e9\""},
		{"nested", map[string]any{"l": []any{int64(1), map[string]any{"z": 0, "y": 1}}}, `{"l":[1,{"y":1,"z":0}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	for _, v := range []any{nil, 1.5, map[string]any{"x": nil}, struct{}{}} {
		_, err := marshalCanonical(v)
		assert.Error(t, err, "%#v", v)
	}
}
