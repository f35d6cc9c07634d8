package link

import (
	"fmt"
)

const (
	tpacketAlignment = 16 // TPACKET_ALIGNMENT
	tpacketHdrLen    = 52 // TPACKET3_HDRLEN, rounded
	minBlockSize     = 128 * 1024
	maxBlockSize     = 4 * 1024 * 1024
)

// ringGeometry sizes an AF_PACKET mmap ring for a memory budget.
//
// The kernel requires:
//  1. frameSize a multiple of TPACKET_ALIGNMENT
//  2. blockSize a multiple of the page size
//  3. blockSize a multiple of frameSize
//
// blockSize * numBlocks approximates bufferMB.
func ringGeometry(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be positive and a multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)
	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// one page-aligned frame per block
		frameSize = alignUp(frameSize, pageSize)
		blockSize = frameSize
	}
	if blockSize < minBlockSize {
		blockSize *= minBlockSize / blockSize
	}

	numBlocks = bufferMB * 1024 * 1024 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
