package soft

import "fmt"

// Exception classes from ESR_EL2.EC that reach the VMM as vCPU faults.
const (
	ecWFx   = 0x01
	ecSMC64 = 0x17
)

func exceptionClass(hsr uint64) uint64 { return (hsr >> 26) & 0x3f }

type dataAbort struct {
	size      int
	write     bool
	rt        int
	signExt   bool
	sixtyFour bool
}

func decodeDataAbort(fsr uint64) (dataAbort, error) {
	const (
		issMask  uint64 = (1 << 25) - 1
		isvBit          = 24
		sasShift        = 22
		sasMask  uint64 = 0x3
		sseBit          = 21
		srtShift        = 16
		srtMask  uint64 = 0x1f
		sfBit           = 15
		wnrBit          = 6
	)

	iss := fsr & issMask
	if (iss>>isvBit)&1 == 0 {
		return dataAbort{}, fmt.Errorf("data abort without valid syndrome (fsr=%#x)", fsr)
	}
	return dataAbort{
		size:      1 << ((iss >> sasShift) & sasMask),
		write:     (iss>>wnrBit)&1 == 1,
		rt:        int((iss >> srtShift) & srtMask),
		signExt:   (iss>>sseBit)&1 == 1,
		sixtyFour: (iss>>sfBit)&1 == 1,
	}, nil
}

// loadValue converts the little-endian bytes read by a load into the value
// written to the target register.
func (d dataAbort) loadValue(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	bits := uint(d.size * 8)
	if d.signExt && bits < 64 && v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	if !d.sixtyFour {
		v &= 0xffffffff
	}
	return v
}
