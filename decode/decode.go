// Package decode reconstructs the IPA and access shape of a data abort
// that KVM itself could not decode (KVM_EXIT_ARM_NISV, ISV==0 in the
// ESR), and the intermediate physical address for exits the kernel
// already classified as MMIO. Both formulas come straight from the
// ARMv8-A architecture reference's data-abort fields.
package decode

import "fmt"

// ReconstructIPA rebuilds the faulting intermediate physical address
// from HPFAR_EL2 and FAR_EL2, the same computation the kernel performs
// internally for the ISV=1 fast path: IPA[47:12] = HPFAR[43:4],
// IPA[11:0] = FAR[11:0].
func ReconstructIPA(hpfar, far uint64) uint64 {
	page := (hpfar >> 4) << 12
	offset := far & 0xFFF
	return page | offset
}

// AccessInfo describes a decoded load/store for the ISV=0 fallback
// path, where userspace must itself read the guest instruction word at
// PC and extract register/size/direction before it can service the
// MMIO access and write back into the guest's GPR by hand.
type AccessInfo struct {
	IsWrite     bool
	Reg         int // 0-30, destination/source GPR
	Size        int // access size in bytes: 1, 2, 4, 8
	SignExtend  bool
}

// DecodeInstruction extracts AccessInfo from an A64 load/store
// instruction word, covering the LDR/STR/LDRB/STRB/LDRH/STRH/LDRSB/
// LDRSH/LDRSW immediate and register-offset forms a device MMIO window
// is realistically targeted with.
func DecodeInstruction(insn uint32) (AccessInfo, error) {
	// LDR/STR (immediate, unsigned offset): op2=1, bits[29:27]=111,
	// bits[25:24]=01 for the unsigned-immediate class.
	top := insn >> 24 & 0xFF
	size := insn >> 30 & 0x3
	v := insn >> 26 & 1
	opc := insn >> 22 & 0x3
	rt := int(insn & 0x1F)

	isLoadStoreClass := top&0xF8 == 0xB8 || top&0xF8 == 0xF8 || // 64/32-bit unsigned imm LDR/STR family base
		top&0xF8 == 0x38 || top&0xF8 == 0x78 // byte/half family base

	if !isLoadStoreClass {
		return AccessInfo{}, fmt.Errorf("decode: instruction 0x%08x is not a recognized load/store", insn)
	}
	if v == 1 {
		return AccessInfo{}, fmt.Errorf("decode: SIMD/FP load-store (0x%08x) not supported for MMIO emulation", insn)
	}

	info := AccessInfo{Reg: rt}
	switch size {
	case 0:
		info.Size = 1
	case 1:
		info.Size = 2
	case 2:
		info.Size = 4
	case 3:
		info.Size = 8
	}

	switch opc {
	case 0:
		info.IsWrite = true
	case 1:
		info.IsWrite = false
	case 2:
		info.IsWrite = false
		info.SignExtend = true // LDRSB/LDRSH 64-bit form
	case 3:
		info.IsWrite = false
		info.SignExtend = true // 32-bit sign-extending form
	}
	return info, nil
}
