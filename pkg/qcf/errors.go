package qcf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid QCF magic")
	ErrUnsupportedMajor = errors.New("unsupported QCF major version")
	ErrCorruptFile      = errors.New("corrupt QCF file")
	ErrMissingSection   = errors.New("missing QCF section")
)
