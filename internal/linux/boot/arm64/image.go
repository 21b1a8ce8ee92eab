package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// imageHeaderSizeBytes is the size of the arm64 Image header described in
	// Documentation/arch/arm64/booting.rst.
	imageHeaderSizeBytes = 64

	// The kernel must be placed text_offset bytes from a 2 MiB aligned base.
	imageLoadAlignment = 2 * 1024 * 1024

	arm64ImageMagic = 0x644d5241 // "ARM\x64"

	// maxGzipScanBytes bounds the search for a gzip payload behind a
	// self-decompression stub.
	maxGzipScanBytes = 1 << 20
)

var ErrBadMagic = errors.New("arm64 kernel image magic check failed")

// KernelHeader is the 64-byte header at the start of an uncompressed arm64
// Image.
type KernelHeader struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Magic      uint32
}

// EntryPoint returns where the kernel is placed, and where the vCPU starts,
// for an Image loaded at base.
func (h KernelHeader) EntryPoint(base uint64) (uint64, error) {
	if base&(imageLoadAlignment-1) != 0 {
		return 0, fmt.Errorf("arm64 kernel base must be 2 MiB aligned (got %#x)", base)
	}
	return base + h.TextOffset, nil
}

// ParseKernelHeader decodes the Image header at the start of kernel.
func ParseKernelHeader(kernel []byte) (KernelHeader, error) {
	if len(kernel) < imageHeaderSizeBytes {
		return KernelHeader{}, fmt.Errorf("arm64 kernel header truncated: got %d bytes", len(kernel))
	}
	le := binary.LittleEndian
	h := KernelHeader{
		Code0:      le.Uint32(kernel[0:4]),
		Code1:      le.Uint32(kernel[4:8]),
		TextOffset: le.Uint64(kernel[8:16]),
		ImageSize:  le.Uint64(kernel[16:24]),
		Flags:      le.Uint64(kernel[24:32]),
		Magic:      le.Uint32(kernel[56:60]),
	}
	if h.Magic != arm64ImageMagic {
		return KernelHeader{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// Decompress returns the raw Image for kernel. An Image that already carries
// a valid header is returned unchanged; otherwise kernel is searched for a
// gzip stream, optionally behind a decompression stub.
func Decompress(kernel []byte) ([]byte, error) {
	_, rawErr := ParseKernelHeader(kernel)
	if rawErr == nil {
		return kernel, nil
	}

	scan := kernel
	if len(scan) > maxGzipScanBytes {
		scan = scan[:maxGzipScanBytes]
	}
	off := bytes.Index(scan, []byte{0x1f, 0x8b})
	if off < 0 {
		return nil, rawErr
	}

	gz, err := gzip.NewReader(bytes.NewReader(kernel[off:]))
	if err != nil {
		return nil, fmt.Errorf("open gzip payload at %d: %w", off, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress arm64 image: %w", err)
	}
	if _, err := ParseKernelHeader(data); err != nil {
		return nil, fmt.Errorf("decompressed payload: %w", err)
	}
	return data, nil
}
