package touchlink

import (
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Key is a 128-bit AES key.
type Key [16]byte

// ParseKey decodes a 32 digit hex string, spaces allowed.
func ParseKey(s string) (Key, error) {
	var k Key
	clean := make([]byte, 0, 32)
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' && s[i] != ':' {
			clean = append(clean, s[i])
		}
	}
	b, err := hex.DecodeString(string(clean))
	if err != nil {
		return k, fmt.Errorf("parse key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("parse key: want 16 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Key indices carried in start and join requests.
const (
	KeyIndexTest          uint8 = 0
	KeyIndexMaster        uint8 = 4
	KeyIndexCertification uint8 = 15
)

// Key bitmask bits advertised in scan responses.
const (
	KeyMaskTest          uint16 = 1 << KeyIndexTest
	KeyMaskMaster        uint16 = 1 << KeyIndexMaster
	KeyMaskCertification uint16 = 1 << KeyIndexCertification
)

// ErrUnsupportedKeyIndex is returned for key indices other than test, master and certification.
var ErrUnsupportedKeyIndex = errors.New("touchlink: unsupported key index")

const (
	testKeyWord0 = 0x50684c69
	testKeyWord2 = 0x434c534e
)

// TransportKeys holds the pre-shared secrets.
type TransportKeys struct {
	Master        Key
	Certification Key
}

// DefaultTransportKeys returns the well known development secrets.
func DefaultTransportKeys() TransportKeys {
	return TransportKeys{
		Master:        wordsKey(0x11223344, 0x55667788, 0x99aabbcc, 0xddeeff00),
		Certification: wordsKey(0xc0c1c2c3, 0xc4c5c6c7, 0xc8c9cacb, 0xcccdcecf),
	}
}

func wordsKey(w0, w1, w2, w3 uint32) Key {
	var k Key
	binary.BigEndian.PutUint32(k[0:], w0)
	binary.BigEndian.PutUint32(k[4:], w1)
	binary.BigEndian.PutUint32(k[8:], w2)
	binary.BigEndian.PutUint32(k[12:], w3)
	return k
}

// Derive builds the one-time transport key for an exchange.
func (t TransportKeys) Derive(index uint8, transactionID, responseID uint32) (Key, error) {
	var secret Key
	switch index {
	case KeyIndexTest:
		return wordsKey(testKeyWord0, transactionID, testKeyWord2, responseID), nil
	case KeyIndexMaster:
		secret = t.Master
	case KeyIndexCertification:
		secret = t.Certification
	default:
		return Key{}, fmt.Errorf("key index %d: %w", index, ErrUnsupportedKeyIndex)
	}
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return Key{}, fmt.Errorf("derive transport key: %w", err)
	}
	in := wordsKey(transactionID, transactionID, responseID, responseID)
	var out Key
	block.Encrypt(out[:], in[:])
	return out, nil
}

// WrapNetworkKey encrypts a network key for transmission.
func WrapNetworkKey(transport, network Key) Key {
	block, _ := aes.NewCipher(transport[:]) // 16 byte keys never fail
	var out Key
	block.Encrypt(out[:], network[:])
	return out
}

// UnwrapNetworkKey recovers a network key wrapped by WrapNetworkKey.
func UnwrapNetworkKey(transport, wrapped Key) Key {
	block, _ := aes.NewCipher(transport[:])
	var out Key
	block.Decrypt(out[:], wrapped[:])
	return out
}

// SelectKeyIndex picks the strongest index in a common key bitmask.
func SelectKeyIndex(common uint16) (uint8, bool) {
	switch {
	case common&KeyMaskMaster != 0:
		return KeyIndexMaster, true
	case common&KeyMaskCertification != 0:
		return KeyIndexCertification, true
	case common&KeyMaskTest != 0:
		return KeyIndexTest, true
	}
	return 0, false
}
