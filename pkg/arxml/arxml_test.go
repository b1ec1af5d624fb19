package arxml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleArxml = `<?xml version="1.0" encoding="UTF-8"?>
<AUTOSAR xmlns="http://autosar.org/schema/r4.0">
  <AR-PACKAGES>
    <AR-PACKAGE>
      <SHORT-NAME>Pdus</SHORT-NAME>
      <ELEMENTS>
        <I-SIGNAL-I-PDU>
          <SHORT-NAME>EngineData</SHORT-NAME>
          <LENGTH>8</LENGTH>
          <I-PDU-TIMING-SPECIFICATIONS/>
          <I-SIGNAL-TO-I-PDU-MAPPINGS>
            <I-SIGNAL-TO-I-PDU-MAPPING>
              <SHORT-NAME>EngineSpeedMapping</SHORT-NAME>
              <I-SIGNAL-REF>/Signals/EngineSpeed</I-SIGNAL-REF>
              <START-POSITION>0</START-POSITION>
              <PACKING-BYTE-ORDER>MOST-SIGNIFICANT-BYTE-LAST</PACKING-BYTE-ORDER>
            </I-SIGNAL-TO-I-PDU-MAPPING>
          </I-SIGNAL-TO-I-PDU-MAPPINGS>
        </I-SIGNAL-I-PDU>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>Signals</SHORT-NAME>
      <ELEMENTS>
        <I-SIGNAL>
          <SHORT-NAME>EngineSpeed</SHORT-NAME>
          <LENGTH>16</LENGTH>
          <NETWORK-REPRESENTATION-PROPS>
            <SW-DATA-DEF-PROPS-VARIANTS>
              <SW-DATA-DEF-PROPS-CONDITIONAL>
                <COMPU-METHOD-REF>/CompuMethods/LinearRpm</COMPU-METHOD-REF>
                <UNIT-REF>/Units/Rpm</UNIT-REF>
              </SW-DATA-DEF-PROPS-CONDITIONAL>
            </SW-DATA-DEF-PROPS-VARIANTS>
          </NETWORK-REPRESENTATION-PROPS>
        </I-SIGNAL>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>CompuMethods</SHORT-NAME>
      <ELEMENTS>
        <COMPU-METHOD>
          <SHORT-NAME>LinearRpm</SHORT-NAME>
          <COMPU-INTERNAL-TO-PHYS>
            <COMPU-SCALES>
              <COMPU-SCALE>
                <COMPU-RATIONAL-COEFFS>
                  <COMPU-NUMERATOR>
                    <V>0.0</V>
                    <V>0.5</V>
                  </COMPU-NUMERATOR>
                  <COMPU-DENOMINATOR>
                    <V>1.0</V>
                  </COMPU-DENOMINATOR>
                </COMPU-RATIONAL-COEFFS>
              </COMPU-SCALE>
            </COMPU-SCALES>
          </COMPU-INTERNAL-TO-PHYS>
        </COMPU-METHOD>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>Network</SHORT-NAME>
      <ELEMENTS>
        <CAN-FRAME-TRIGGERING>
          <SHORT-NAME>EngineDataTriggering</SHORT-NAME>
          <IDENTIFIER>291</IDENTIFIER>
          <I-PDU-TRIGGERING-REF>/Pdus/EngineData</I-PDU-TRIGGERING-REF>
        </CAN-FRAME-TRIGGERING>
      </ELEMENTS>
    </AR-PACKAGE>
  </AR-PACKAGES>
</AUTOSAR>
`

func writeTempArxml(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.arxml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseSignalIPdu(t *testing.T) {
	path := writeTempArxml(t, simpleArxml)

	messages, containers, err := Parse(path)
	require.NoError(t, err)
	assert.Empty(t, containers)
	require.Len(t, messages, 1)

	msg := messages[0]
	assert.Equal(t, uint32(291), msg.ID)
	assert.Equal(t, "EngineData", msg.Name)
	assert.Equal(t, 8, msg.Size)
	require.Len(t, msg.Signals, 1)

	sig := msg.Signals[0]
	assert.Equal(t, "EngineSpeed", sig.Name)
	assert.Equal(t, uint16(0), sig.StartBit)
	assert.Equal(t, uint16(16), sig.Length)
	assert.Equal(t, 0.5, sig.Factor)
	assert.Equal(t, 0.0, sig.Offset)
	require.NotNil(t, sig.Unit)
	assert.Equal(t, "Rpm", *sig.Unit)
}

const multiplexedArxml = `<?xml version="1.0" encoding="UTF-8"?>
<AUTOSAR xmlns="http://autosar.org/schema/r4.0">
  <AR-PACKAGES>
    <AR-PACKAGE>
      <SHORT-NAME>Pdus</SHORT-NAME>
      <ELEMENTS>
        <MULTIPLEXED-I-PDU>
          <SHORT-NAME>MultiplexedMsg</SHORT-NAME>
          <LENGTH>8</LENGTH>
          <SELECTOR-FIELD-START-POSITION>0</SELECTOR-FIELD-START-POSITION>
          <SELECTOR-FIELD-LENGTH>8</SELECTOR-FIELD-LENGTH>
          <DYNAMIC-PART>
            <DYNAMIC-PART-ALTERNATIVES>
              <DYNAMIC-PART-ALTERNATIVE>
                <SELECTOR-FIELD-CODE>0</SELECTOR-FIELD-CODE>
                <I-SIGNAL-TO-I-PDU-MAPPING>
                  <SHORT-NAME>SignalAMapping</SHORT-NAME>
                  <I-SIGNAL-REF>/Signals/SignalA</I-SIGNAL-REF>
                  <START-POSITION>8</START-POSITION>
                </I-SIGNAL-TO-I-PDU-MAPPING>
              </DYNAMIC-PART-ALTERNATIVE>
              <DYNAMIC-PART-ALTERNATIVE>
                <SELECTOR-FIELD-CODE>1</SELECTOR-FIELD-CODE>
                <I-SIGNAL-TO-I-PDU-MAPPING>
                  <SHORT-NAME>SignalBMapping</SHORT-NAME>
                  <I-SIGNAL-REF>/Signals/SignalB</I-SIGNAL-REF>
                  <START-POSITION>8</START-POSITION>
                </I-SIGNAL-TO-I-PDU-MAPPING>
              </DYNAMIC-PART-ALTERNATIVE>
            </DYNAMIC-PART-ALTERNATIVES>
          </DYNAMIC-PART>
        </MULTIPLEXED-I-PDU>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>Signals</SHORT-NAME>
      <ELEMENTS>
        <I-SIGNAL><SHORT-NAME>SignalA</SHORT-NAME><LENGTH>16</LENGTH></I-SIGNAL>
        <I-SIGNAL><SHORT-NAME>SignalB</SHORT-NAME><LENGTH>16</LENGTH></I-SIGNAL>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>Network</SHORT-NAME>
      <ELEMENTS>
        <CAN-FRAME-TRIGGERING>
          <SHORT-NAME>MultiplexedMsgTriggering</SHORT-NAME>
          <IDENTIFIER>512</IDENTIFIER>
          <I-PDU-TRIGGERING-REF>/Pdus/MultiplexedMsg</I-PDU-TRIGGERING-REF>
        </CAN-FRAME-TRIGGERING>
      </ELEMENTS>
    </AR-PACKAGE>
  </AR-PACKAGES>
</AUTOSAR>
`

func TestParseMultiplexedIPdu(t *testing.T) {
	path := writeTempArxml(t, multiplexedArxml)

	messages, _, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	msg := messages[0]
	assert.True(t, msg.IsMultiplexed)
	require.NotNil(t, msg.MultiplexerSignal)
	assert.Equal(t, "MultiplexedMsg_selector", *msg.MultiplexerSignal)
	// selector + 2 gated signals
	require.Len(t, msg.Signals, 3)

	var foundA, foundB bool
	for _, s := range msg.Signals {
		switch s.Name {
		case "SignalA":
			foundA = true
			require.NotNil(t, s.MultiplexerInfo)
			assert.True(t, s.MultiplexerInfo.Activates(0))
			assert.False(t, s.MultiplexerInfo.Activates(1))
		case "SignalB":
			foundB = true
			require.NotNil(t, s.MultiplexerInfo)
			assert.True(t, s.MultiplexerInfo.Activates(1))
		}
	}
	assert.True(t, foundA)
	assert.True(t, foundB)
}

const containerArxml = `<?xml version="1.0" encoding="UTF-8"?>
<AUTOSAR xmlns="http://autosar.org/schema/r4.0">
  <AR-PACKAGES>
    <AR-PACKAGE>
      <SHORT-NAME>Pdus</SHORT-NAME>
      <ELEMENTS>
        <CONTAINER-I-PDU>
          <SHORT-NAME>DynamicContainer</SHORT-NAME>
          <LENGTH>64</LENGTH>
          <HEADER-TYPE>SHORT-HEADER</HEADER-TYPE>
          <CONTAINED-PDU-TRIGGERING-REFS>
            <CONTAINED-PDU-TRIGGERING-REF>/Triggerings/Sub1Triggering</CONTAINED-PDU-TRIGGERING-REF>
            <CONTAINED-PDU-TRIGGERING-REF>/Triggerings/Sub2Triggering</CONTAINED-PDU-TRIGGERING-REF>
          </CONTAINED-PDU-TRIGGERING-REFS>
        </CONTAINER-I-PDU>
        <I-SIGNAL-I-PDU>
          <SHORT-NAME>Sub1</SHORT-NAME>
          <LENGTH>2</LENGTH>
        </I-SIGNAL-I-PDU>
        <I-SIGNAL-I-PDU>
          <SHORT-NAME>Sub2</SHORT-NAME>
          <LENGTH>3</LENGTH>
        </I-SIGNAL-I-PDU>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>Triggerings</SHORT-NAME>
      <ELEMENTS>
        <PDU-TRIGGERING>
          <SHORT-NAME>Sub1Triggering</SHORT-NAME>
          <I-PDU-REF>/Pdus/Sub1</I-PDU-REF>
        </PDU-TRIGGERING>
        <PDU-TRIGGERING>
          <SHORT-NAME>Sub2Triggering</SHORT-NAME>
          <I-PDU-REF>/Pdus/Sub2</I-PDU-REF>
        </PDU-TRIGGERING>
      </ELEMENTS>
    </AR-PACKAGE>
    <AR-PACKAGE>
      <SHORT-NAME>Network</SHORT-NAME>
      <ELEMENTS>
        <CAN-FRAME-TRIGGERING>
          <SHORT-NAME>DynamicContainerTriggering</SHORT-NAME>
          <IDENTIFIER>1024</IDENTIFIER>
          <I-PDU-TRIGGERING-REF>/Pdus/DynamicContainer</I-PDU-TRIGGERING-REF>
        </CAN-FRAME-TRIGGERING>
      </ELEMENTS>
    </AR-PACKAGE>
  </AR-PACKAGES>
</AUTOSAR>
`

func TestParseContainerIPdu(t *testing.T) {
	path := writeTempArxml(t, containerArxml)

	_, containers, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, containers, 1)

	c := containers[0]
	assert.Equal(t, uint32(1024), c.ID)
	assert.Equal(t, "DynamicContainer", c.Name)
	assert.Equal(t, 4, c.Layout.HeaderSize)
	require.Len(t, c.Layout.Pdus, 2)
	assert.Equal(t, "Sub1", c.Layout.Pdus[0].Name)
	assert.Equal(t, "Sub2", c.Layout.Pdus[1].Name)
}

func TestParseMissingFile(t *testing.T) {
	_, _, err := Parse(filepath.Join(t.TempDir(), "nope.arxml"))
	assert.Error(t, err)
}

func TestParseMalformedXML(t *testing.T) {
	path := writeTempArxml(t, "<AUTOSAR><unterminated>")
	_, _, err := Parse(path)
	assert.Error(t, err)
}
