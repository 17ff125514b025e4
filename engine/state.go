package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/ragreader/ragreader/errors"
)

// Persisted index files start with a four-byte magic and a version byte,
// followed by a gob payload. Unknown magics or versions fail loudly instead
// of being guessed at.
var stateMagic = [4]byte{'R', 'R', 'I', 'X'}

const stateVersion byte = 1

func writeState(w io.Writer, payload any) error {
	if _, err := w.Write(stateMagic[:]); err != nil {
		return fmt.Errorf("write state header: %w", err)
	}
	if _, err := w.Write([]byte{stateVersion}); err != nil {
		return fmt.Errorf("write state version: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return nil
}

func readState(r io.Reader, payload any) error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: short state header: %v", errors.ErrStateCorrupt, err)
	}
	if !bytes.Equal(header[:4], stateMagic[:]) {
		return fmt.Errorf("%w: bad magic %q", errors.ErrStateCorrupt, header[:4])
	}
	if header[4] != stateVersion {
		return fmt.Errorf("%w: unsupported state version %d", errors.ErrStateCorrupt, header[4])
	}
	if err := gob.NewDecoder(r).Decode(payload); err != nil {
		return fmt.Errorf("%w: decode state: %v", errors.ErrStateCorrupt, err)
	}
	return nil
}
