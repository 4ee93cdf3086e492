package cmd

import (
	"os"

	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/bytecode"
)

func readBundle(path string) (*bytecode.Bundle, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading bundle %s", path)
	}
	b, err := bytecode.DecodeBundle(data)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "decoding bundle %s", path)
	}
	return b, data, nil
}
