package file

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters and salt are fixed so files written by one process can be
// read by another configured with the same password.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	scryptSalt   = "salt"
)

var errBadCiphertext = errors.New("malformed ciphertext")

// envelope applies the on-disk transforms after encoding:
// encode -> [deflate + base64] -> [aes-256-cbc, "<iv hex>:<ciphertext hex>"].
type envelope struct {
	compress bool
	key      []byte // nil => no encryption
}

func newEnvelope(compress bool, password string) (*envelope, error) {
	env := &envelope{compress: compress}
	if password != "" {
		k, err := deriveKey(password)
		if err != nil {
			return nil, err
		}
		env.key = k
	}
	return env, nil
}

func deriveKey(password string) ([]byte, error) {
	k, err := scrypt.Key([]byte(password), []byte(scryptSalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("file: derive key: %w", err)
	}
	return k, nil
}

func (e *envelope) seal(plain []byte) ([]byte, error) {
	out := plain
	if e.compress {
		z, err := deflate(out)
		if err != nil {
			return nil, err
		}
		enc := make([]byte, base64.StdEncoding.EncodedLen(len(z)))
		base64.StdEncoding.Encode(enc, z)
		out = enc
	}
	if e.key != nil {
		sealed, err := encryptCBC(e.key, out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}
	return out, nil
}

// open reverses seal. stage names the step that failed.
func (e *envelope) open(data []byte) (plain []byte, stage string, err error) {
	out := data
	if e.key != nil {
		out, err = decryptCBC(e.key, out)
		if err != nil {
			return nil, "decrypt", err
		}
	}
	if e.compress {
		z := make([]byte, base64.StdEncoding.DecodedLen(len(out)))
		n, err := base64.StdEncoding.Decode(z, out)
		if err != nil {
			return nil, "decompress", err
		}
		out, err = inflate(z[:n])
		if err != nil {
			return nil, "decompress", err
		}
	}
	return out, "", nil
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	return io.ReadAll(r)
}

func encryptCBC(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("file: iv: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, 2*len(iv)+1+2*len(ct))
	out = hex.AppendEncode(out, iv)
	out = append(out, ':')
	out = hex.AppendEncode(out, ct)
	return out, nil
}

func decryptCBC(key, data []byte) ([]byte, error) {
	sep := bytes.IndexByte(data, ':')
	if sep < 0 {
		return nil, errBadCiphertext
	}
	iv, err := hex.DecodeString(string(data[:sep]))
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errBadCiphertext
	}
	ct, err := hex.DecodeString(string(data[sep+1:]))
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errBadCiphertext
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
