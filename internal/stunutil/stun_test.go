package stunutil

import (
	"context"
	"testing"
	"time"
)

func TestProbe_NoServers(t *testing.T) {
	t.Parallel()

	_, err := Probe(context.Background(), nil, time.Second)
	if err == nil {
		t.Fatal("expected error for empty server list")
	}
}

func TestProbe_EmptyServer(t *testing.T) {
	t.Parallel()

	_, err := Probe(context.Background(), []string{"  "}, time.Second)
	if err == nil {
		t.Fatal("expected error for blank server entry")
	}
}

func TestProbeServer_BadURI(t *testing.T) {
	t.Parallel()

	_, err := probeServer(context.Background(), "stun:::bad::", time.Second)
	if err == nil {
		t.Fatal("expected error for malformed URI")
	}
}
