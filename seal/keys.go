package seal

import (
	"hash"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"sealdisk/utils/errs"
)

// Keys holds one independent key per domain.
type Keys struct {
	Root    []byte
	Journal []byte
	Index   []byte
	Data    []byte
}

func newHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

func derive(master, salt []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.Wrap(errs.ErrInvalidArgs, "empty master key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(newHash, master, salt, []byte(info)), key); err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return key, nil
}

// RootKey derives the key sealing the root slots. It does not depend on the
// disk id because the id is stored inside the root.
func RootKey(master []byte) ([]byte, error) {
	return derive(master, nil, "sealdisk root v1")
}

// DeriveKeys derives the per-domain keys of one disk.
func DeriveKeys(master []byte, diskID uuid.UUID) (Keys, error) {
	var (
		k   Keys
		err error
	)
	if k.Root, err = RootKey(master); err != nil {
		return Keys{}, err
	}
	salt := diskID[:]
	if k.Journal, err = derive(master, salt, "sealdisk journal v1"); err != nil {
		return Keys{}, err
	}
	if k.Index, err = derive(master, salt, "sealdisk index v1"); err != nil {
		return Keys{}, err
	}
	if k.Data, err = derive(master, salt, "sealdisk data v1"); err != nil {
		return Keys{}, err
	}
	return k, nil
}
