package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalJSONPretty(t *testing.T) {
	v := map[string]int{"frames": 3}

	compact, err := MarshalJSONPretty(v, false)
	require.NoError(t, err)
	assert.Equal(t, `{"frames":3}`, string(compact))

	pretty, err := MarshalJSONPretty(v, true)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"frames\": 3\n}", string(pretty))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, []string{"dns,srt"}))
	assert.Contains(t, buf.String(), `"dns,srt"`)
	assert.Equal(t, byte('\n'), buf.Bytes()[buf.Len()-1])
}

func TestWriteJSON_Unsupported(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteJSON(&buf, make(chan int)))
	assert.Zero(t, buf.Len())
}
