package guard

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go-realtime/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginEnd(t *testing.T) {
	g := New()
	fp := Fingerprint("c1", "message", "t1")

	release, err := g.Begin("c1", fp)
	require.NoError(t, err)
	assert.True(t, g.InFlight(fp))

	_, err = g.Begin("c1", fp)
	require.ErrorIs(t, err, models.ErrDuplicateInFlight)

	release()
	assert.False(t, g.InFlight(fp))

	// Released fingerprints can be claimed again.
	release, err = g.Begin("c1", fp)
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, g.Len())
}

func TestFingerprintsAreScopedToConnection(t *testing.T) {
	g := New()

	r1, err := g.Begin("c1", Fingerprint("c1", "message", "t1"))
	require.NoError(t, err)
	defer r1()

	r2, err := g.Begin("c2", Fingerprint("c2", "message", "t1"))
	require.NoError(t, err)
	defer r2()

	assert.Equal(t, 2, g.Len())
}

func TestConcurrentBeginAdmitsExactlyOne(t *testing.T) {
	g := New()
	fp := Fingerprint("c1", "message", "t1")

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := g.Begin("c1", fp); err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(31), rejected.Load())
}

func TestSweepClearsOnlyThatConnection(t *testing.T) {
	g := New()

	_, err := g.Begin("c1", Fingerprint("c1", "message", "a"))
	require.NoError(t, err)
	_, err = g.Begin("c1", Fingerprint("c1", "reaction", "m1", "like"))
	require.NoError(t, err)
	_, err = g.Begin("c10", Fingerprint("c10", "message", "a"))
	require.NoError(t, err)

	assert.Equal(t, 2, g.Sweep("c1"))
	assert.False(t, g.InFlight(Fingerprint("c1", "message", "a")))
	assert.True(t, g.InFlight(Fingerprint("c10", "message", "a")))
	assert.Equal(t, 0, g.Sweep("c1"))
}

func TestReleaseAfterSweepIsHarmless(t *testing.T) {
	g := New()
	fp := Fingerprint("c1", "message", "t1")

	release, err := g.Begin("c1", fp)
	require.NoError(t, err)
	g.Sweep("c1")

	// A new owner of the same fingerprint must survive the stale release.
	_, err = g.Begin("c1", fp)
	require.NoError(t, err)
	release()
	assert.True(t, g.InFlight(fp))
}

func TestFingerprintPartsDoNotCollide(t *testing.T) {
	a := Fingerprint("c1", "reaction", "m:x", "y")
	b := Fingerprint("c1", "reaction", "m", "x:y")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "c1:"))

	g := New()
	ra, err := g.Begin("c1", a)
	require.NoError(t, err)
	defer ra()
	rb, err := g.Begin("c1", b)
	require.NoError(t, err)
	rb()
}
