package symtab

import (
	"fmt"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/image"
)

const gnuHashHeaderSize = 16

// GNUHash is a parsed DT_GNU_HASH header. Bloom words, buckets and chains
// stay in the image and are read on demand.
//
//	nbucket, symoffset, bloomsize, bloomshift  uint32
//	bloom[bloomsize]                           word (class width)
//	buckets[nbucket]                           uint32
//	chain[]                                    uint32, chain[i] belongs to symbol symoffset+i
type GNUHash struct {
	img *image.Image

	nbucket    uint32
	symOffset  uint32
	nbloom     uint32
	bloomShift uint32
	wordSize   uint64
	wordBits   uint32

	bloom   uint64
	buckets uint64
	chains  uint64
}

// GNUHashName is the hash the static linker used to build the table:
// h = h*33 + c starting from 5381, wrapping at 32 bits.
func GNUHashName(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func GNUHashBytes(name []byte) uint32 {
	h := uint32(5381)
	for _, c := range name {
		h = h*33 + uint32(c)
	}
	return h
}

// ParseGNUHash reads the header at addr. Tables that would make the lookup
// arithmetic divide by zero are rejected here regardless of validation.
func ParseGNUHash(img *image.Image, layout arch.Layout, addr uint64) (*GNUHash, error) {
	var hdr [4]uint32
	for i := range hdr {
		v, err := img.Uint32(addr + uint64(i)*4)
		if err != nil {
			return nil, fmt.Errorf("%w: gnu hash header: %w", ErrMalformed, err)
		}
		hdr[i] = v
	}
	h := &GNUHash{
		img:        img,
		nbucket:    hdr[0],
		symOffset:  hdr[1],
		nbloom:     hdr[2],
		bloomShift: hdr[3],
		wordSize:   layout.WordSize(),
		wordBits:   uint32(layout.WordSize() * 8),
	}
	if h.nbucket == 0 {
		return nil, fmt.Errorf("%w: gnu hash has no buckets", ErrMalformed)
	}
	if h.nbloom == 0 {
		return nil, fmt.Errorf("%w: gnu hash has no bloom words", ErrMalformed)
	}
	h.bloom = addr + gnuHashHeaderSize
	h.buckets = h.bloom + uint64(h.nbloom)*h.wordSize
	h.chains = h.buckets + uint64(h.nbucket)*4
	return h, nil
}

func (h *GNUHash) NBucket() uint32 { return h.nbucket }
func (h *GNUHash) SymOffset() uint32 { return h.symOffset }
func (h *GNUHash) BloomSize() uint32 { return h.nbloom }
func (h *GNUHash) BloomShift() uint32 { return h.bloomShift }

// MayContain runs both bloom filter tests. A false result is definitive.
func (h *GNUHash) MayContain(hash uint32) bool {
	word, err := h.img.Word(h.bloom + uint64((hash/h.wordBits)%h.nbloom)*h.wordSize)
	if err != nil {
		return false
	}
	if word&(1<<(hash%h.wordBits)) == 0 {
		return false
	}
	hash2 := hash >> h.bloomShift
	return word&(1<<(hash2%h.wordBits)) != 0
}

// Bucket returns the first symbol index of the bucket for hash, 0 if empty.
func (h *GNUHash) Bucket(hash uint32) uint32 {
	v, err := h.img.Uint32(h.buckets + uint64(hash%h.nbucket)*4)
	if err != nil {
		return 0
	}
	return v
}

func (h *GNUHash) bucketAt(i uint32) (uint32, error) {
	return h.img.Uint32(h.buckets + uint64(i)*4)
}

// Chain returns the chain value of symbol idx. Bit 0 marks the end of a bucket.
func (h *GNUHash) Chain(idx uint32) (uint32, error) {
	if idx < h.symOffset {
		return 0, fmt.Errorf("%w: symbol %d precedes hashed symbols starting at %d", ErrMalformed, idx, h.symOffset)
	}
	return h.img.Uint32(h.chains + uint64(idx-h.symOffset)*4)
}

// SymbolCount derives the size of .dynsym from the table: the chain of the
// highest bucket ends at the last symbol.
func (h *GNUHash) SymbolCount() (uint32, error) {
	var last uint32
	for i := uint32(0); i < h.nbucket; i++ {
		b, err := h.bucketAt(i)
		if err != nil {
			return 0, err
		}
		if b > last {
			last = b
		}
	}
	if last == 0 {
		return h.symOffset, nil
	}
	for idx := last; ; idx++ {
		c, err := h.Chain(idx)
		if err != nil {
			return 0, err
		}
		if c&1 != 0 {
			return idx + 1, nil
		}
	}
}
