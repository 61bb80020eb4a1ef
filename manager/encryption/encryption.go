// Package encryption seals state snapshots and other secrets at rest.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const humanReadablePrefix = "DGKEY-1-"

// Algorithm identifies how a record's payload is sealed.
type Algorithm int32

const (
	// NotEncrypted means the payload is plaintext.
	NotEncrypted Algorithm = iota
	// NACLSecretboxSalsa20Poly1305 is the default sealing algorithm.
	NACLSecretboxSalsa20Poly1305
	// FernetAES128CBC is the alternate sealing algorithm.
	FernetAES128CBC
)

func (a Algorithm) String() string {
	switch a {
	case NotEncrypted:
		return "not-encrypted"
	case NACLSecretboxSalsa20Poly1305:
		return "secretbox"
	case FernetAES128CBC:
		return "fernet"
	default:
		return "unknown"
	}
}

// MaybeEncryptedRecord wraps a possibly-encrypted payload together with
// the algorithm and nonce needed to open it.
type MaybeEncryptedRecord struct {
	Algorithm Algorithm `json:"algorithm"`
	Data      []byte    `json:"data"`
	Nonce     []byte    `json:"nonce,omitempty"`
}

// ErrCannotDecrypt is the type of error returned when some data cannot be
// decrypted as plaintext.
type ErrCannotDecrypt struct {
	msg string
}

func (e ErrCannotDecrypt) Error() string {
	return e.msg
}

// A Decrypter can decrypt an encrypted record.
type Decrypter interface {
	Decrypt(MaybeEncryptedRecord) ([]byte, error)
}

// An Encrypter can encrypt some bytes into an encrypted record.
type Encrypter interface {
	Encrypt(data []byte) (*MaybeEncryptedRecord, error)
}

type noopCrypter struct{}

func (n noopCrypter) Decrypt(e MaybeEncryptedRecord) ([]byte, error) {
	if e.Algorithm != n.Algorithm() {
		return nil, fmt.Errorf("record is encrypted")
	}
	return e.Data, nil
}

func (n noopCrypter) Encrypt(data []byte) (*MaybeEncryptedRecord, error) {
	return &MaybeEncryptedRecord{
		Algorithm: n.Algorithm(),
		Data:      data,
	}, nil
}

func (n noopCrypter) Algorithm() Algorithm {
	return NotEncrypted
}

// NoopCrypter is just a pass-through crypter - it does not actually
// encrypt or decrypt any data.
var NoopCrypter = noopCrypter{}

// MultiDecrypter tries each of its decrypters in turn.
type MultiDecrypter struct {
	decrypters []Decrypter
}

// Decrypt tries to decrypt using all the decrypters.
func (m MultiDecrypter) Decrypt(r MaybeEncryptedRecord) (result []byte, err error) {
	for _, d := range m.decrypters {
		result, err = d.Decrypt(r)
		if err == nil {
			return
		}
	}
	return
}

// NewMultiDecrypter returns a new MultiDecrypter.
func NewMultiDecrypter(decrypters ...Decrypter) MultiDecrypter {
	return MultiDecrypter{decrypters: decrypters}
}

// Decrypt turns a slice of bytes serialized as a MaybeEncryptedRecord
// into a slice of plaintext bytes.
func Decrypt(encrypted []byte, decrypter Decrypter) ([]byte, error) {
	if decrypter == nil {
		return nil, ErrCannotDecrypt{msg: "no decrypter specified"}
	}
	var r MaybeEncryptedRecord
	if err := json.Unmarshal(encrypted, &r); err != nil {
		// nope, this wasn't marshalled as a MaybeEncryptedRecord
		return nil, ErrCannotDecrypt{msg: "unable to unmarshal as MaybeEncryptedRecord"}
	}
	plaintext, err := decrypter.Decrypt(r)
	if err != nil {
		return nil, ErrCannotDecrypt{msg: err.Error()}
	}
	return plaintext, nil
}

// Encrypt turns a slice of bytes into a serialized MaybeEncryptedRecord
// slice of bytes.
func Encrypt(plaintext []byte, encrypter Encrypter) ([]byte, error) {
	if encrypter == nil {
		return nil, fmt.Errorf("no encrypter specified")
	}

	record, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encrypt data")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal as MaybeEncryptedRecord")
	}

	return data, nil
}

// Defaults returns a default encrypter and decrypter. The decrypter can
// open records sealed by any supported algorithm under the same key.
func Defaults(key []byte) (Encrypter, Decrypter) {
	n := NewNACLSecretbox(key)
	f := NewFernet(key)
	return n, NewMultiDecrypter(n, f)
}

// GenerateSecretKey generates a secret key that can be used for
// encrypting data using this package.
func GenerateSecretKey() []byte {
	secretData := make([]byte, naclSecretboxKeySize)
	if _, err := io.ReadFull(rand.Reader, secretData); err != nil {
		// panic if we can't read random data
		panic(errors.Wrap(err, "failed to read random bytes"))
	}
	return secretData
}

// HumanReadableKey displays a secret key in a human readable way.
func HumanReadableKey(key []byte) string {
	// base64-encode the key
	return humanReadablePrefix + base64.StdEncoding.EncodeToString(key)
}

// ParseHumanReadableKey returns a key as bytes from recognized
// serializations of said keys.
func ParseHumanReadableKey(key string) ([]byte, error) {
	if !strings.HasPrefix(key, humanReadablePrefix) {
		return nil, fmt.Errorf("invalid key string")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(key, humanReadablePrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid key string")
	}
	return keyBytes, nil
}
