package types

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestPollIDEncoding(t *testing.T) {
	c := qt.New(t)
	pid := NewPollID()
	c.Assert(pid.IsZero(), qt.IsFalse)

	parsed, err := ParsePollID(pid.String())
	c.Assert(err, qt.IsNil)
	c.Assert(parsed, qt.Equals, pid)

	// plain hex is accepted too
	parsed, err = ParsePollID(HexBytes(pid.Marshal()).String())
	c.Assert(err, qt.IsNil)
	c.Assert(parsed, qt.Equals, pid)

	var other PollID
	c.Assert(other.Unmarshal([]byte{1, 2, 3}), qt.ErrorMatches, "invalid PollID length: 3")

	data, err := json.Marshal(map[string]PollID{"id": pid})
	c.Assert(err, qt.IsNil)
	var decoded map[string]PollID
	c.Assert(json.Unmarshal(data, &decoded), qt.IsNil)
	c.Assert(decoded["id"], qt.Equals, pid)
}

func TestPhaseOrder(t *testing.T) {
	c := qt.New(t)
	c.Assert(PhaseUninitialized < PhaseKeysGenerated, qt.IsTrue)
	c.Assert(PhaseTallied.Next(), qt.Equals, PhaseVerified)
	c.Assert(PhaseVerified.Next(), qt.Equals, PhaseVerified)
	c.Assert(Phase(42).Valid(), qt.IsFalse)

	for p := PhaseUninitialized; p <= LastPhase; p++ {
		parsed, err := ParsePhase(p.String())
		c.Assert(err, qt.IsNil)
		c.Assert(parsed, qt.Equals, p)
	}
	parsed, err := ParsePhase("PROCESSED")
	c.Assert(err, qt.IsNil)
	c.Assert(parsed, qt.Equals, PhaseProcessed)
	_, err = ParsePhase("closed")
	c.Assert(err, qt.ErrorMatches, `unknown phase "closed"`)
}

func TestCheckpointArtifacts(t *testing.T) {
	c := qt.New(t)
	cp := NewCheckpoint(NewPollID(), PhasePollCreated)
	c.Assert(cp.SetArtifact(ArtifactStateTreeDepth, 2), qt.IsNil)
	c.Assert(cp.SetArtifact(ArtifactPollAddress, HexBytes{0xca, 0xfe}), qt.IsNil)

	var depth int
	c.Assert(cp.Artifact(ArtifactStateTreeDepth, &depth), qt.IsNil)
	c.Assert(depth, qt.Equals, 2)

	var addr HexBytes
	c.Assert(cp.Artifact(ArtifactPollAddress, &addr), qt.IsNil)
	c.Assert(addr.String(), qt.Equals, "0xcafe")

	c.Assert(cp.Artifact(ArtifactTallyResults, &addr), qt.ErrorMatches, "artifact tallyResults not found in pollCreated checkpoint")
	c.Assert(cp.ArtifactNames(), qt.DeepEquals, []string{ArtifactPollAddress, ArtifactStateTreeDepth})
}

func TestHexBytes(t *testing.T) {
	c := qt.New(t)
	c.Assert(HexStringToHexBytes("0xABCD"), qt.DeepEquals, HexBytes{0xab, 0xcd})
	c.Assert(EqualHex("0xABcd", "abcd"), qt.IsTrue)

	var hb HexBytes
	c.Assert(json.Unmarshal([]byte(`"0x0102"`), &hb), qt.IsNil)
	c.Assert(hb, qt.DeepEquals, HexBytes{1, 2})
	c.Assert(json.Unmarshal([]byte(`"zz"`), &hb), qt.ErrorMatches, `invalid hex bytes "zz".*`)
}
