package rdzv

import (
	"testing"

	gc "github.com/go-check/check"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
)

// Test is the gate go-check needs to run RdzvSuite under `go test`, the way
// consumer/replica_test.go's suite is gated elsewhere in the teacher's tree.
func Test(t *testing.T) { gc.TestingT(t) }

type RdzvSuite struct{}

var _ = gc.Suite(&RdzvSuite{})

func (s *RdzvSuite) TestAltReadFullFourEventCycleReleasesCredit(c *gc.C) {
	var cfg = config.Default()
	cfg.RdzvProto = config.RdzvProtoAltRead
	var cmd = &fakeCommander{}
	var eng = NewEngine(cfg, cmd, NewCredits(2))
	var req = newRecvReq()

	_, err := eng.OnEvent(req, nic.Event{Type: nic.EventPut})
	c.Assert(err, gc.IsNil)

	done, err := eng.OnEvent(req, nic.Event{Type: nic.EventRendezvous, RLength: 4096})
	c.Assert(err, gc.IsNil)
	c.Check(done, gc.Equals, false)
	c.Check(eng.credits.InUse(), gc.Equals, 1)

	done, err = eng.OnEvent(req, nic.Event{Type: nic.EventReply})
	c.Assert(err, gc.IsNil)
	c.Check(done, gc.Equals, false, "ALT_READ still awaits its closing Ack")

	done, err = eng.OnEvent(req, nic.Event{Type: nic.EventAck})
	c.Assert(err, gc.IsNil)
	c.Check(done, gc.Equals, true)
	c.Check(eng.credits.InUse(), gc.Equals, 0, "the reservation taken at Rendezvous is released by the Reply")
}

func (s *RdzvSuite) TestLookupChildMissingWithoutCreateIsErrNoMatch(c *gc.C) {
	var pool = request.NewPool()
	var parent = pool.Alloc(&request.Request{
		Type: request.TypeRecv,
		Recv: &request.RecvPayload{RecvBuf: make([]byte, 4096), MultiRecv: true},
	})

	_, err := LookupChild(pool, parent, nic.Event{Type: nic.EventRendezvous, MatchBits: 55}, false)
	c.Assert(err, gc.ErrorMatches, ".*no match.*")
}
