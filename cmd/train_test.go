package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestResumeEpoch(t *testing.T) {
	nop := zap.NewNop()
	assert.Equal(t, 0, resumeEpoch(-1, "", nop))
	assert.Equal(t, 7, resumeEpoch(7, "", nop))
	assert.Equal(t, 4, resumeEpoch(-1, "3_2.41_val_2.20_tr_s1", nop))
	assert.Equal(t, 4, resumeEpoch(-1, "3_NaN_val_2.20_tr_s1", nop))
	assert.Equal(t, 9, resumeEpoch(9, "3_2.41_val_2.20_tr_s1", nop))
}

func TestResumeEpochWarnsOnUnparsableName(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	assert.Equal(t, 0, resumeEpoch(-1, "latest", zap.New(core)))
	entries := logs.FilterField(zap.String("name", "latest")).All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	}
}
