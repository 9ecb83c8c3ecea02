package memdx

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []*Packet{
		{
			Magic:   MagicReq,
			Command: OpGet,
			VBucket: 42,
			Opaque:  7,
			Key:     []byte("my-key"),
		},
		{
			Magic:   MagicRes,
			Command: OpSet,
			Status:  StatusNotMyVBucket,
			Opaque:  99,
			CAS:     0xdeadbeef,
			Extras:  []byte{1, 2, 3, 4},
			Value:   []byte(`{"rev":12}`),
		},
		{
			Magic:   MagicReq,
			Command: OpSubDocMultiMutation,
			Opaque:  1,
			Key:     []byte("doc"),
			Extras:  nil,
			Value:   []byte{0xca, 0x00, 0x00, 0x03, 'f', 'o', 'o'},
		},
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, want.Magic, got.Magic)
		require.Equal(t, want.Command, got.Command)
		require.Equal(t, want.Opaque, got.Opaque)
		require.Equal(t, want.CAS, got.CAS)
		require.True(t, bytes.Equal(want.Key, got.Key))
		require.True(t, bytes.Equal(want.Extras, got.Extras))
		require.True(t, bytes.Equal(want.Value, got.Value))

		if want.Magic == MagicReq {
			require.Equal(t, want.VBucket, got.VBucket)
		} else {
			require.Equal(t, want.Status, got.Status)
		}
	}
}

func TestReadPacket(t *testing.T) {
	p := &Packet{
		Magic:   MagicReq,
		Command: OpGet,
		VBucket: 3,
		Opaque:  55,
		Key:     []byte("k"),
	}

	buf := bytes.NewReader(p.Encode())
	got, err := ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, p.Opaque, got.Opaque)
	require.Equal(t, p.VBucket, got.VBucket)
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode([]byte{0x80, 0x00})
	require.ErrorIs(t, err, ErrShortPacket)
}

func TestDecodeBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x55
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassSuccess, Classify(StatusSuccess))
	require.Equal(t, ClassRetryRouting, Classify(StatusNotMyVBucket))
	require.Equal(t, ClassRetryTransient, Classify(StatusBusy))
	require.Equal(t, ClassAuth, Classify(StatusAuthError))
	require.Equal(t, ClassPermanent, Classify(StatusKeyNotFound))
}
