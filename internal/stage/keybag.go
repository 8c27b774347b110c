package stage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// keybag holds the wrapped per-class keys from a backup's BackupKeyBag
// blob, plus the KDF parameters needed to derive the passcode key.
type keybag struct {
	salt []byte
	iter int
	dpsl []byte // double-protection salt
	dpic int    // double-protection iteration count

	wrapped map[uint32]wrappedClassKey
	class   map[uint32][]byte // unlocked class keys
}

type wrappedClassKey struct {
	wrap uint32
	wpky []byte
}

// Wrap bit: class key is wrapped with the passcode key.
const wrapPasscode = 2

// parseKeybag decodes the keybag's tag-length-value layout. Per-class
// blocks are delimited by UUID tags after the header block.
func parseKeybag(data []byte) (*keybag, error) {
	kb := &keybag{
		wrapped: make(map[uint32]wrappedClassKey),
		class:   make(map[uint32][]byte),
	}

	var (
		inClassBlock bool
		curClass     uint32
		curWrap      uint32
		curKey       []byte
	)
	flush := func() {
		if inClassBlock && len(curKey) > 0 {
			kb.wrapped[curClass] = wrappedClassKey{wrap: curWrap, wpky: curKey}
		}
		curClass, curWrap, curKey = 0, 0, nil
	}

	for off := 0; off+8 <= len(data); {
		tag := string(data[off : off+4])
		length := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if off+length > len(data) {
			return nil, fmt.Errorf("keybag: truncated %s entry", tag)
		}
		value := data[off : off+length]
		off += length

		switch tag {
		case "SALT":
			kb.salt = append([]byte(nil), value...)
		case "ITER":
			kb.iter = int(binary.BigEndian.Uint32(value))
		case "DPSL":
			kb.dpsl = append([]byte(nil), value...)
		case "DPIC":
			kb.dpic = int(binary.BigEndian.Uint32(value))
		case "UUID":
			// first UUID is the keybag's own; later ones open class blocks
			flush()
			inClassBlock = true
		case "CLAS":
			curClass = binary.BigEndian.Uint32(value)
		case "WRAP":
			if inClassBlock {
				curWrap = binary.BigEndian.Uint32(value)
			}
		case "WPKY":
			curKey = append([]byte(nil), value...)
		}
	}
	flush()

	if len(kb.salt) == 0 || kb.iter == 0 {
		return nil, fmt.Errorf("keybag: missing KDF parameters")
	}
	if len(kb.wrapped) == 0 {
		return nil, fmt.Errorf("keybag: no class keys")
	}
	return kb, nil
}

// Unlock derives the passcode key from the passphrase and unwraps every
// passcode-wrapped class key. A wrong passphrase surfaces as an unwrap
// integrity failure on the first class key.
func (kb *keybag) Unlock(ctx context.Context, passphrase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	derived := []byte(passphrase)
	if len(kb.dpsl) > 0 && kb.dpic > 0 {
		derived = pbkdf2.Key(derived, kb.dpsl, kb.dpic, 32, sha256.New)
	}
	passKey := pbkdf2.Key(derived, kb.salt, kb.iter, 32, sha1.New)

	if err := ctx.Err(); err != nil {
		return err
	}

	unlocked := 0
	for class, wk := range kb.wrapped {
		if wk.wrap&wrapPasscode == 0 {
			continue
		}
		key, err := aesKeyUnwrap(passKey, wk.wpky)
		if err != nil {
			return fmt.Errorf("class %d: %w", class, err)
		}
		kb.class[class] = key
		unlocked++
	}
	if unlocked == 0 {
		return fmt.Errorf("no passcode-wrapped class keys")
	}
	return nil
}

// UnwrapKey unwraps a file or manifest key with the class key for the
// given protection class.
func (kb *keybag) UnwrapKey(class uint32, wrapped []byte) ([]byte, error) {
	key, ok := kb.class[class]
	if !ok {
		return nil, fmt.Errorf("protection class %d not unlocked", class)
	}
	return aesKeyUnwrap(key, wrapped)
}

// aesKeyUnwrap implements RFC 3394 AES key unwrapping. The fixed IV check
// doubles as an integrity check: a wrong kek fails here.
func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, fmt.Errorf("wrapped key has invalid length %d", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	a := binary.BigEndian.Uint64(wrapped[:8])
	r := make([][]byte, n+1)
	for i := 1; i <= n; i++ {
		r[i] = append([]byte(nil), wrapped[i*8:(i+1)*8]...)
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(buf[:8], a^t)
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)
			a = binary.BigEndian.Uint64(buf[:8])
			copy(r[i], buf[8:])
		}
	}

	if a != 0xA6A6A6A6A6A6A6A6 {
		return nil, fmt.Errorf("key unwrap integrity check failed")
	}
	out := make([]byte, 0, n*8)
	for i := 1; i <= n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

// aesKeyWrap implements RFC 3394 wrapping. Only tests need it, to build
// encrypted fixtures, but it lives next to unwrap so the pair stays in
// sync.
func aesKeyWrap(kek, key []byte) ([]byte, error) {
	if len(key)%8 != 0 || len(key) == 0 {
		return nil, fmt.Errorf("key length %d not a multiple of 8", len(key))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(key) / 8
	a := uint64(0xA6A6A6A6A6A6A6A6)
	r := make([][]byte, n+1)
	for i := 1; i <= n; i++ {
		r[i] = append([]byte(nil), key[(i-1)*8:i*8]...)
	}

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			binary.BigEndian.PutUint64(buf[:8], a)
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			a = binary.BigEndian.Uint64(buf[:8]) ^ t
			copy(r[i], buf[8:])
		}
	}

	out := make([]byte, 8, (n+1)*8)
	binary.BigEndian.PutUint64(out, a)
	for i := 1; i <= n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

// decryptCBC decrypts AES-CBC with a zero IV, the scheme backup blobs
// use. The padded plaintext is returned as-is: whether trailing bytes
// are padding depends on what the caller knows (a recorded file size,
// or that the writer always pads), so stripping is the caller's call.
func decryptCBC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not block aligned", len(data))
	}
	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// encryptCBC is the fixture-building counterpart of decryptCBC.
func encryptCBC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(data)%aes.BlockSize
	padded := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// stripPKCS7 removes a well-formed PKCS#7 padding run. Only for
// payloads the writer is known to pad: genuine content whose trailing
// bytes mimic padding is indistinguishable, which is why blobs with a
// recorded plaintext size are truncated to that size instead.
func stripPKCS7(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return data
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return data
		}
	}
	return data[:len(data)-pad]
}
