package bytesource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytes(t *testing.T) {
	src := FromBytes([]byte("hello world"))
	defer src.Close()

	assert.Equal(t, int64(11), src.Size())

	buf := make([]byte, 5)
	require.NoError(t, ReadExactAt(src, buf, 6))
	assert.Equal(t, "world", string(buf))

	err := ReadExactAt(src, make([]byte, 5), 9)
	require.Error(t, err)
}

func TestFileAndMMAPSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	content := []byte("positioned reads over a file")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	open := map[string]func(string) (Source, error){
		"file": Open,
		"mmap": OpenMMAP,
	}
	for name, fn := range open {
		t.Run(name, func(t *testing.T) {
			src, err := fn(path)
			require.NoError(t, err)
			defer src.Close()

			assert.Equal(t, int64(len(content)), src.Size())
			buf := make([]byte, 10)
			require.NoError(t, ReadExactAt(src, buf, 0))
			assert.Equal(t, content[:10], buf)
		})
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := Open(path)
	require.Error(t, err)
	_, err = OpenMMAP(path)
	require.Error(t, err)
}
