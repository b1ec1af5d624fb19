package dbc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleDbc = `
VERSION ""

NS_ :
	NS_DESC_
	CM_
	BA_DEF_
	BA_
	VAL_

BS_:

BU_: ECU1 ECU2

BO_ 291 EngineData: 8 ECU1
 SG_ EngineSpeed : 0|16@1+ (1,0) [0|8000] "rpm" ECU2
 SG_ EngineTemp : 16|8@1+ (1,-40) [-40|215] "C" ECU2

BO_ 512 BatteryStatus: 8 ECU1
 SG_ BatteryVoltage : 0|16@1+ (0.01,0) [0|16] "V" ECU2
`

const multiplexedDbc = `
VERSION ""

NS_ :

BS_:

BU_: ECU1

BO_ 512 MultiplexedMsg: 8 ECU1
 SG_ Mode M : 0|8@1+ (1,0) [0|3] "" ECU1
 SG_ SignalA m0 : 8|16@1+ (1,0) [0|100] "%" ECU1
 SG_ SignalB m1 : 8|16@1+ (0.1,0) [0|1000] "mV" ECU1
`

func writeTempDbc(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dbc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseSimpleDbc(t *testing.T) {
	path := writeTempDbc(t, simpleDbc)

	messages, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	msg1 := messages[0]
	assert.Equal(t, uint32(291), msg1.ID)
	assert.Equal(t, "EngineData", msg1.Name)
	assert.Equal(t, 8, msg1.Size)
	require.NotNil(t, msg1.Sender)
	assert.Equal(t, "ECU1", *msg1.Sender)
	require.Len(t, msg1.Signals, 2)

	sig1 := msg1.Signals[0]
	assert.Equal(t, "EngineSpeed", sig1.Name)
	assert.Equal(t, uint16(0), sig1.StartBit)
	assert.Equal(t, uint16(16), sig1.Length)
	assert.Equal(t, 1.0, sig1.Factor)
	assert.Equal(t, 0.0, sig1.Offset)
	require.NotNil(t, sig1.Unit)
	assert.Equal(t, "rpm", *sig1.Unit)
}

func TestParseMultiplexedSignals(t *testing.T) {
	path := writeTempDbc(t, multiplexedDbc)

	messages, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	msg := messages[0]
	assert.True(t, msg.IsMultiplexed)
	require.NotNil(t, msg.MultiplexerSignal)
	assert.Equal(t, "Mode", *msg.MultiplexerSignal)
	require.Len(t, msg.Signals, 3)

	var sigA *struct{}
	for _, s := range msg.Signals {
		if s.Name == "SignalA" {
			require.NotNil(t, s.MultiplexerInfo)
			assert.Equal(t, "Mode", s.MultiplexerInfo.MultiplexerSignal)
			assert.Equal(t, []uint64{0}, s.MultiplexerInfo.MultiplexerValues)
			sigA = &struct{}{}
		}
	}
	require.NotNil(t, sigA)
}

func TestParseValueTable(t *testing.T) {
	content := simpleDbc + "\nVAL_ 291 EngineTemp 0 \"Cold\" 1 \"Normal\" 2 \"Hot\" ;\n"
	path := writeTempDbc(t, content)

	messages, err := Parse(path)
	require.NoError(t, err)

	var tempSignal *struct {
		table map[int64]string
	}
	for _, msg := range messages {
		if msg.Name != "EngineData" {
			continue
		}
		for _, s := range msg.Signals {
			if s.Name == "EngineTemp" {
				require.Len(t, s.ValueTable, 3)
				assert.Equal(t, "Cold", s.ValueTable[0])
				assert.Equal(t, "Hot", s.ValueTable[2])
				tempSignal = &struct{ table map[int64]string }{}
			}
		}
	}
	require.NotNil(t, tempSignal)
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "nope.dbc"))
	assert.Error(t, err)
}
