package backend

import "math"

// RealReg is a concrete machine register number: on arm64, 0-31 for the
// GPR file and 32-63 for the vector file (isa/arm64 offsets vector
// registers by 32 and folds the offset back out when encoding); 0-15 on
// amd64.
type RealReg uint8

// RealRegInvalid marks a register slot that has no concrete assignment,
// e.g. a pass.PhysicalRegister whose class a target does not map.
const RealRegInvalid RealReg = math.MaxUint8
