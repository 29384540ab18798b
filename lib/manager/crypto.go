/*
Copyright 2023 PatSnap, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package manager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"

	"github.com/gravitational/trace"

	"github.com/patsnapops/piam-sub000/lib/piam"
)

// payloadCipher is the symmetric cipher protecting manager payloads:
// AES-256-CBC with PKCS#7 padding, base64 on the wire. Key and IV are
// derived from the shared META_KEY (SHA-256 for the key, MD5 for the IV)
// so both sides only configure the one string.
type payloadCipher struct {
	key [sha256.Size]byte
	iv  [md5.Size]byte
}

func newPayloadCipher(metaKey string) *payloadCipher {
	return &payloadCipher{
		key: sha256.Sum256([]byte(metaKey)),
		iv:  md5.Sum([]byte(metaKey)),
	}
}

// Decrypt reverses Encrypt: base64 decode, CBC decrypt, strip padding.
func (c *payloadCipher) Decrypt(encoded []byte) ([]byte, error) {
	ciphertext := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(ciphertext, encoded)
	if err != nil {
		return nil, trace.Wrap(piam.Deserialize("payload is not base64: %v", err))
	}
	ciphertext = ciphertext[:n]
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, trace.Wrap(piam.Deserialize("ciphertext length %v is not a multiple of the block size", len(ciphertext)))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv[:]).CryptBlocks(plaintext, ciphertext)
	return stripPKCS7(plaintext)
}

// Encrypt is the counterpart used by tests and by the development stub
// manager.
func (c *payloadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv[:]).CryptBlocks(ciphertext, padded)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(ciphertext)))
	base64.StdEncoding.Encode(encoded, ciphertext)
	return encoded, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, trace.Wrap(piam.Deserialize("empty plaintext"))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, trace.Wrap(piam.Deserialize("bad padding"))
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, trace.Wrap(piam.Deserialize("bad padding"))
		}
	}
	return data[:len(data)-n], nil
}
