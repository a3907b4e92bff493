package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/scheduler"
)

func TestConnectWithEmptyURLReturnsNoOpPublisher(t *testing.T) {
	p, err := Connect("")
	require.NoError(t, err)
	require.NotNil(t, p)

	// a no-op publisher must tolerate Publish and Close without a live
	// connection.
	assert.NotPanics(t, func() {
		p.Publish(Event{Kind: "written", RunID: "run-1", Name: "raw", Key: "k"})
		p.Close()
	})
}

func TestConnectWithUnreachableURLReturnsError(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1")
	assert.Error(t, err)
}

func TestOnCacheEventAdaptsSchedulerEvent(t *testing.T) {
	p, err := Connect("")
	require.NoError(t, err)

	// OnCacheEvent must not panic even with no underlying connection; it
	// simply drops the event.
	assert.NotPanics(t, func() {
		p.OnCacheEvent(scheduler.CacheEvent{Kind: "written", RunID: "run-1", Name: "raw", Key: "run-1/_cache/raw-aaaa"})
	})
}
