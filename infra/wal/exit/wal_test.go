package exit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openOutbox(t *testing.T) (*Outbox, string) {
	t.Helper()
	dir := t.TempDir()
	o, err := Open(dir)
	require.NoError(t, err)
	return o, dir
}

func pending(t *testing.T, o *Outbox) []uint64 {
	t.Helper()
	var seqs []uint64
	require.NoError(t, o.ScanPending(func(r Record) (bool, error) {
		seqs = append(seqs, r.Seq)
		return true, nil
	}))
	return seqs
}

func TestScanIsInSequenceOrder(t *testing.T) {
	o, _ := openOutbox(t)
	defer o.Close()

	for _, s := range []uint64{10, 2, 100, 9} {
		require.NoError(t, o.Put(s, []byte{byte(s)}))
	}
	assert.Equal(t, []uint64{2, 9, 10, 100}, pending(t, o))

	rec, err := o.Get(9)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, rec.Payload)
	assert.Equal(t, StateNew, rec.State)
}

func TestAckLifecycle(t *testing.T) {
	o, dir := openOutbox(t)

	require.NoError(t, o.Put(1, []byte("a")))
	require.NoError(t, o.Put(2, []byte("b")))
	require.NoError(t, o.MarkSent(1))
	require.NoError(t, o.MarkAcked(1))

	rec, err := o.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, rec.State)
	assert.Equal(t, uint32(1), rec.Retries)
	assert.Equal(t, []uint64{2}, pending(t, o))
	require.NoError(t, o.Close())

	o, err = Open(dir)
	require.NoError(t, err)
	defer o.Close()
	assert.Equal(t, uint64(1), o.Acked())

	// replayed events below the ack mark are dropped
	n, err := o.TruncateAckedUpTo(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, o.Put(1, []byte("a")))
	_, err = o.Get(1)
	assert.Error(t, err)
}

func TestPutIsIdempotent(t *testing.T) {
	o, _ := openOutbox(t)
	defer o.Close()

	require.NoError(t, o.Put(5, []byte("first")))
	require.NoError(t, o.MarkSent(5))
	require.NoError(t, o.Put(5, []byte("second")))

	rec, err := o.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), rec.Payload)
	assert.Equal(t, StateSent, rec.State)
}
