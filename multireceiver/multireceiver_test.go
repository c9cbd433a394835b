package multireceiver

import (
	"context"
	"testing"
	"time"

	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/object"
	"github.com/fluteproto/flute/oti"
	"github.com/fluteproto/flute/receiver"
)

type noopBuilder struct{}

func (noopBuilder) NewObjectWriter(endpoint.UDPEndpoint, uint64, uint64, uint64, object.Metadata, time.Time) object.BuilderResult {
	return object.Ignore()
}
func (noopBuilder) UpdateCacheControl(endpoint.UDPEndpoint, uint64, uint64, uint64, object.Metadata, time.Time) {
}
func (noopBuilder) FDTReceived(endpoint.UDPEndpoint, uint64, string, time.Time, time.Duration, time.Time, *time.Time) {
}

func TestSessionsCreatedLazilyAndKeyedPerEndpointTSI(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	mr := New(o, noopBuilder{}, receiver.DefaultConfig)

	ep := endpoint.New("239.0.0.1", 1234)
	s1 := mr.sessionFor(ep, 1)
	s2 := mr.sessionFor(ep, 1)
	if s1 != s2 {
		t.Fatal("expected the same session for the same (endpoint, tsi)")
	}
	s3 := mr.sessionFor(ep, 2)
	if s1 == s3 {
		t.Fatal("expected distinct sessions for distinct TSIs")
	}
}

func TestCleanupFansOutAcrossSessions(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	mr := New(o, noopBuilder{}, receiver.DefaultConfig)
	ep := endpoint.New("239.0.0.1", 1234)
	mr.sessionFor(ep, 1)
	mr.sessionFor(ep, 2)

	if err := mr.Cleanup(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
}
