package sources

import (
	"context"
	"encoding/binary"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcm(values ...int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestPCMRingReadWaitsForFullBlock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newPCMRing(64)

		var got []float32
		var err error
		done := make(chan struct{})
		go func() {
			defer close(done)
			got, err = r.read(t.Context(), 4)
		}()

		r.write(pcm(16384, 16384))
		synctest.Wait()
		select {
		case <-done:
			t.Fatal("read returned before four samples were buffered")
		default:
		}

		r.write(pcm(-16384, 0))
		<-done
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5, 0.5, -0.5, 0}, got)
	})
}

func TestPCMRingOverflowDropsNewest(t *testing.T) {
	t.Parallel()

	r := newPCMRing(8) // four samples
	r.write(pcm(1, 2, 3))
	r.write(pcm(4, 5)) // does not fit
	r.write([]byte{0x01})

	assert.Equal(t, uint64(2), r.overflowSamples())

	got, err := r.read(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDelta(t, 3.0/32768.0, got[2], 1e-9)
}

func TestPCMRingCloseWakesReader(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newPCMRing(64)
		time.AfterFunc(time.Second, r.close)

		_, err := r.read(t.Context(), 8)
		require.ErrorIs(t, err, ErrSourceClosed)
		r.close()
	})
}

func TestPCMRingReadHonoursContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newPCMRing(64)
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()

		_, err := r.read(ctx, 8)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestHexToASCII(t *testing.T) {
	t.Parallel()

	s, err := hexToASCII("3a312c300000")
	require.NoError(t, err)
	assert.Equal(t, ":1,0", s)

	_, err = hexToASCII("zz")
	require.Error(t, err)
}
