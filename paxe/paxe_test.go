package paxe

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20"
)

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestStandardModeRoundTrip(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	key := testKey(0x42)
	require.NoError(t, d.KeystoreSet(7, key))

	var nonce [nonceLen]byte
	nonce[0] = 1
	frame, err := EncodeStandard(7, 0, nonce, key, []byte("hello paxe"))
	require.NoError(t, err)

	n, keyID, flags, err := d.TryDecrypt(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(7), keyID)
	require.Equal(t, uint8(0), flags)
	require.Equal(t, "hello paxe", string(frame[:n]))

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.RxOK)
	require.Equal(t, uint64(1), stats.RxTotal)
}

func TestTooShortPacketRejected(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	_, _, _, err = d.TryDecrypt(make([]byte, 10))
	require.ErrorIs(t, err, ErrPaxeShort)
	require.Equal(t, uint64(1), d.Stats().RxShort)
}

func TestReservedByteNonzeroRejected(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	key := testKey(0x11)
	require.NoError(t, d.KeystoreSet(1, key))
	var nonce [nonceLen]byte
	frame, err := EncodeStandard(1, 0, nonce, key, []byte("x"))
	require.NoError(t, err)
	frame[3] = 1 // reserved byte

	_, _, _, err = d.TryDecrypt(frame)
	require.ErrorIs(t, err, ErrPaxeReservedNonzero)
}

func TestLengthMismatchRejected(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	key := testKey(0x22)
	require.NoError(t, d.KeystoreSet(2, key))
	var nonce [nonceLen]byte
	frame, err := EncodeStandard(2, 0, nonce, key, []byte("payload"))
	require.NoError(t, err)
	frame = append(frame, 0xFF) // one stray byte

	_, _, _, err = d.TryDecrypt(frame)
	require.ErrorIs(t, err, ErrPaxeLengthMismatch)
}

func TestKeyNotFoundRejected(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	key := testKey(0x33)
	var nonce [nonceLen]byte
	frame, err := EncodeStandard(99, 0, nonce, key, []byte("x"))
	require.NoError(t, err)

	_, _, _, err = d.TryDecrypt(frame)
	require.ErrorIs(t, err, ErrPaxeKeyNotFound)
}

func TestBadTagRejected(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	key := testKey(0x44)
	require.NoError(t, d.KeystoreSet(3, key))
	var nonce [nonceLen]byte
	frame, err := EncodeStandard(3, 0, nonce, key, []byte("authenticated"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF // corrupt the tag

	_, _, _, err = d.TryDecrypt(frame)
	require.ErrorIs(t, err, ErrPaxeAuthFailed)
	require.Equal(t, uint64(1), d.Stats().RxAuthFail)
}

// encodeDEK builds a DEK-mode frame by hand for the decrypt-side test,
// mirroring the wire format in spec.md §6: header ‖ kek_nonce ‖
// wrapped_dek ‖ dek_nonce ‖ dek_len ‖ ciphertext ‖ tag.
func encodeDEK(t *testing.T, keyID uint32, kek [32]byte, dek [32]byte, kekNonce, dekNonce [12]byte, plaintext []byte, corruptDEKLen bool) []byte {
	t.Helper()

	header := make([]byte, headerLen)
	header[0] = byte(len(plaintext) >> 8)
	header[1] = byte(len(plaintext))
	header[2] = flagDEKMode
	header[3] = 0
	header[4] = byte(keyID >> 24)
	header[5] = byte(keyID >> 16)
	header[6] = byte(keyID >> 8)
	header[7] = byte(keyID)

	stream, err := chacha20.NewUnauthenticatedCipher(kek[:], kekNonce[:])
	require.NoError(t, err)
	wrappedDEK := make([]byte, 32)
	stream.XORKeyStream(wrappedDEK, dek[:])

	dekLenField := len(plaintext)
	if corruptDEKLen {
		dekLenField++
	}
	dekLenBytes := []byte{byte(dekLenField >> 8), byte(dekLenField)}

	block, err := aes.NewCipher(dek[:])
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	sealed := aead.Seal(nil, dekNonce[:], plaintext, header)

	out := append([]byte{}, header...)
	out = append(out, kekNonce[:]...)
	out = append(out, wrappedDEK...)
	out = append(out, dekNonce[:]...)
	out = append(out, dekLenBytes...)
	out = append(out, sealed...)
	return out
}

func TestDEKModeRoundTrip(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	kek := testKey(0x55)
	require.NoError(t, d.KeystoreSet(9, kek))

	var dek [32]byte
	for i := range dek {
		dek[i] = byte(i)
	}
	var kekNonce, dekNonce [12]byte
	kekNonce[0] = 1
	dekNonce[0] = 2

	frame := encodeDEK(t, 9, kek, dek, kekNonce, dekNonce, []byte("dek mode payload"), false)

	n, keyID, flags, err := d.TryDecrypt(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(9), keyID)
	require.Equal(t, uint8(flagDEKMode), flags)
	require.Equal(t, "dek mode payload", string(frame[:n]))
}

func TestDEKInnerLengthMismatchRejected(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	kek := testKey(0x66)
	require.NoError(t, d.KeystoreSet(10, kek))

	var dek [32]byte
	var kekNonce, dekNonce [12]byte

	frame := encodeDEK(t, 10, kek, dek, kekNonce, dekNonce, []byte("mismatch"), true)

	_, _, _, err = d.TryDecrypt(frame)
	require.ErrorIs(t, err, ErrPaxeDEKLengthMismatch)
	require.Equal(t, uint64(1), d.Stats().RxDEKLenMismatch)
}

func TestKeystoreSetUpdatesExistingEntry(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	k1 := testKey(0x01)
	k2 := testKey(0x02)
	require.NoError(t, d.KeystoreSet(5, k1))
	require.NoError(t, d.KeystoreSet(5, k2))

	got, ok := d.keystoreGet(5)
	require.True(t, ok)
	require.Equal(t, k2, got)
}

func TestKeystoreClearRemovesAllEntries(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	require.NoError(t, d.KeystoreSet(1, testKey(0x01)))
	d.KeystoreClear()

	_, ok := d.keystoreGet(1)
	require.False(t, ok)
}

// TestKeystoreHandlesUUIDDerivedKeyIDsUnderLoad stress-tests the
// open-addressing keystore with a larger, non-sequential set of key
// IDs than the fixed small IDs used elsewhere in this file. Deriving
// the IDs from uuid.New() (rather than counting 0, 1, 2, ...) exercises
// KeystoreSet/keystoreGet's linear probe across scattered starting
// buckets instead of a handful of adjacent ones.
func TestKeystoreHandlesUUIDDerivedKeyIDsUnderLoad(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	const n = 64 // well under keystoreSize, so no eviction is expected
	byID := make(map[uint32][32]byte, n)
	var order []uint32
	for len(order) < n {
		u := uuid.New()
		id := binary.BigEndian.Uint32(u[:4])
		if _, dup := byID[id]; dup {
			continue // vanishingly unlikely, but keep the set distinct
		}
		key := testKey(byte(len(order) + 1))
		byID[id] = key
		order = append(order, id)
		require.NoError(t, d.KeystoreSet(id, key))
	}

	for _, id := range order {
		got, ok := d.keystoreGet(id)
		require.True(t, ok)
		require.Equal(t, byID[id], got)

		var nonce [nonceLen]byte
		nonce[0] = byte(id)
		frame, err := EncodeStandard(id, 0, nonce, byID[id], []byte("uuid keyed payload"))
		require.NoError(t, err)

		dn, gotID, flags, err := d.TryDecrypt(frame)
		require.NoError(t, err)
		require.Equal(t, id, gotID)
		require.Equal(t, uint8(0), flags)
		require.Equal(t, "uuid keyed payload", string(frame[:dn]))
	}
}

func TestLogOncePolicyLogsFirstOccurrenceOnly(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	d.SetFailPolicy(FailLogOnce)

	_, _, _, err = d.TryDecrypt(make([]byte, 4))
	require.ErrorIs(t, err, ErrPaxeShort)
	_, _, _, err = d.TryDecrypt(make([]byte, 4))
	require.ErrorIs(t, err, ErrPaxeShort)

	require.Equal(t, uint64(2), d.Stats().RxShort)
}
