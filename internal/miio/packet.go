// Package miio speaks the Xiaomi miio LAN protocol used by Yeelight bulbs.
//
// Every datagram carries a 32 byte header followed by an AES-128-CBC encrypted JSON
// payload. The key is MD5(token) and the IV is MD5(key || token). The header checksum
// is MD5 over the header (with the token in the checksum slot) and the payload.
package miio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	magic      = 0x2131
	headerSize = 32
)

var (
	ErrBadPacket   = errors.New("malformed miio packet")
	ErrBadChecksum = errors.New("miio checksum mismatch")
	ErrBadToken    = errors.New("token must be 32 hex characters")
)

// packet is one decoded datagram.
type packet struct {
	unknown  uint32
	deviceID uint32
	stamp    uint32
	checksum [16]byte
	payload  []byte
}

// cipherSuite derives the payload key and IV from a device token.
type cipherSuite struct {
	token []byte
	key   []byte
	iv    []byte
}

func newCipherSuite(hexToken string) (*cipherSuite, error) {
	token, err := hex.DecodeString(hexToken)
	if err != nil || len(token) != 16 {
		return nil, ErrBadToken
	}
	key := md5.Sum(token)
	iv := md5.Sum(append(key[:], token...))
	return &cipherSuite{token: token, key: key[:], iv: iv[:]}, nil
}

func (c *cipherSuite) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *cipherSuite) decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: payload length %d", ErrBadPacket, len(data))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

// encode builds an encrypted datagram for the given JSON payload.
func (c *cipherSuite) encode(deviceID, stamp uint32, payload []byte) ([]byte, error) {
	enc, err := c.encrypt(payload)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize+len(enc))
	binary.BigEndian.PutUint16(buf[0:], magic)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[4:], 0)
	binary.BigEndian.PutUint32(buf[8:], deviceID)
	binary.BigEndian.PutUint32(buf[12:], stamp)
	copy(buf[16:32], c.token)
	copy(buf[32:], enc)

	sum := md5.Sum(buf)
	copy(buf[16:32], sum[:])
	return buf, nil
}

// decode verifies and decrypts a datagram. Hello replies have no payload and are
// returned without checksum verification.
func (c *cipherSuite) decode(data []byte) (*packet, error) {
	p, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) == headerSize {
		return p, nil
	}

	check := make([]byte, len(data))
	copy(check, data)
	copy(check[16:32], c.token)
	sum := md5.Sum(check)
	if !bytes.Equal(sum[:], p.checksum[:]) {
		return nil, ErrBadChecksum
	}

	plain, err := c.decrypt(data[headerSize:])
	if err != nil {
		return nil, err
	}
	// devices terminate the JSON with a NUL byte
	p.payload = bytes.TrimRight(plain, "\x00")
	return p, nil
}

func parseHeader(data []byte) (*packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadPacket, len(data))
	}
	if binary.BigEndian.Uint16(data[0:]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadPacket)
	}
	if int(binary.BigEndian.Uint16(data[2:])) != len(data) {
		return nil, fmt.Errorf("%w: length mismatch", ErrBadPacket)
	}
	p := &packet{
		unknown:  binary.BigEndian.Uint32(data[4:]),
		deviceID: binary.BigEndian.Uint32(data[8:]),
		stamp:    binary.BigEndian.Uint32(data[12:]),
	}
	copy(p.checksum[:], data[16:32])
	return p, nil
}

// helloPacket is the unauthenticated discovery datagram.
func helloPacket() []byte {
	buf := bytes.Repeat([]byte{0xff}, headerSize)
	binary.BigEndian.PutUint16(buf[0:], magic)
	binary.BigEndian.PutUint16(buf[2:], headerSize)
	return buf
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadPacket)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrBadPacket)
	}
	return data[:len(data)-n], nil
}
