package clclient

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/eth-act/zkboost-sentry/types"
)

func parseHash32(s string) (types.BlockHash, error) {
	var h types.BlockHash
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, errors.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func newReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}
