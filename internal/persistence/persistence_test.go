package persistence_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevergoodstudy-hub/netops/internal/persistence"
)

const sampleJSON = "{\n  \"key\": \"value\"\n}"

type MockSerializer struct {
	Bytes []byte
	Err   error
}

func (s MockSerializer) Marshal(data any) ([]byte, error) {
	return s.Bytes, s.Err
}

type MockWriter struct {
	Data map[string][]byte
	Err  error
}

func (w *MockWriter) Write(filename string, data []byte) error {
	if w.Data == nil {
		w.Data = make(map[string][]byte)
	}
	w.Data[filename] = data
	return w.Err
}

func TestWriteJSONToFile(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		serializer  persistence.Serializer
		writer      *MockWriter
		expectedErr bool
	}{
		{
			name:       "success",
			filename:   "out.json",
			serializer: MockSerializer{Bytes: []byte(sampleJSON)},
			writer:     &MockWriter{},
		},
		{
			name:        "serializer error",
			filename:    "out.json",
			serializer:  MockSerializer{Err: errors.New("marshal failed")},
			writer:      &MockWriter{},
			expectedErr: true,
		},
		{
			name:        "writer error",
			filename:    "out.json",
			serializer:  MockSerializer{Bytes: []byte(sampleJSON)},
			writer:      &MockWriter{Err: errors.New("disk full")},
			expectedErr: true,
		},
		{
			name:        "empty filename",
			serializer:  MockSerializer{Bytes: []byte(sampleJSON)},
			writer:      &MockWriter{},
			expectedErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := persistence.WriteJSONToFile(map[string]string{"key": "value"}, tt.filename, tt.serializer, tt.writer)
			if tt.expectedErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sampleJSON, string(tt.writer.Data[tt.filename]))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, persistence.WriteJSON(map[string]string{"key": "value"}, path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleJSON, string(got))

	require.NoError(t, persistence.WriteJSON(map[string]int{"n": 2}, path))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got))

	opts := persistence.DefaultOptions()
	opts.Overwrite = false
	err = persistence.WriteJSON(map[string]int{"n": 3}, path, opts)
	assert.ErrorIs(t, err, os.ErrExist)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomic_Perm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.yaml")
	require.NoError(t, persistence.WriteAtomic(path, []byte("a: 1\n"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = persistence.WriteAtomic(filepath.Join(t.TempDir(), "missing", "x"), nil, 0o600)
	assert.Error(t, err)
}
