package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRotator_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lane.log")
	r := &Rotator{Filename: path, MaxSize: 10, MaxBackups: 2}
	defer r.Close()

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := r.Write([]byte(line))
		require.NoError(t, err)
	}

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dddddddd\n", string(cur))

	b1, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "cccccccc\n", string(b1))

	b2, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb\n", string(b2))

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lane.log")
	log, err := Setup(path, 1, 1, "debug")
	require.NoError(t, err)

	log.Named("risk").Info("signal rejected", zap.String("rule", "spread"))
	_ = log.Sync() // stdout may not support fsync

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(b)
	assert.True(t, strings.Contains(line, `"logger":"risk"`), line)
	assert.True(t, strings.Contains(line, `"rule":"spread"`), line)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}
