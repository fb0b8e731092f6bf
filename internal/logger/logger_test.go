package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	cases := map[string]zap.AtomicLevel{
		"debug": zap.NewAtomicLevelAt(zap.DebugLevel),
		"warn":  zap.NewAtomicLevelAt(zap.WarnLevel),
		"bogus": zap.NewAtomicLevelAt(zap.InfoLevel),
	}
	for name, want := range cases {
		l, err := New(name)
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(want.Level()), name)
		if want.Level() > zap.DebugLevel {
			assert.False(t, l.Core().Enabled(want.Level()-1), name)
		}
	}
}
