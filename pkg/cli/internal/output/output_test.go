package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]int{"routes": 2}))
	assert.Equal(t, "{\n  \"routes\": 2\n}\n", buf.String())
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	w := Table(&buf)
	Row(w, "PROTOCOL", "PATTERN")
	Row(w, "http", "")
	require.NoError(t, w.Flush())
	assert.Equal(t, "PROTOCOL  PATTERN\nhttp      -\n", buf.String())
}

func TestWarn(t *testing.T) {
	var buf bytes.Buffer
	Warn(&buf, "no config file, %s", "nothing to reload")
	assert.Equal(t, "Warning: no config file, nothing to reload\n", buf.String())
}
