package toml

import (
	"testing"
	"time"

	gotoml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// This exercises Duration the way config.Merger and config.StreamClient
// actually decode it: as a TOML string value under a table, e.g.
// `connect-timeout = "45s"` in §6's configuration file.
func TestDuration_UnmarshalsFromTOML(t *testing.T) {
	var cfg struct {
		Merger struct {
			ConnectTimeout Duration `toml:"connect-timeout"`
		} `toml:"merger"`
	}

	doc := []byte("[merger]\nconnect-timeout = \"45s\"\n")
	require.NoError(t, gotoml.Unmarshal(doc, &cfg))
	assert.Equal(t, Duration(45*time.Second), cfg.Merger.ConnectTimeout)
}

func TestDuration_RoundTripsThroughMarshalText(t *testing.T) {
	d := Duration(90 * time.Second)
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var out Duration
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, d, out)
}

func TestDuration_MarshalTOMLWritesDurationString(t *testing.T) {
	b, err := Duration(time.Second).MarshalTOML()
	require.NoError(t, err)
	assert.Equal(t, "1s", string(b))
}

func TestDuration_UnmarshalTextRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
