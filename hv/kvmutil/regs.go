package kvmutil

// ONE_REG register ID construction, per the KVM_REG_ARM64 encoding
// (include/uapi/linux/kvm.h). Each ID is a fixed 64-bit name; this
// table must never be renumbered, the same "fixed ABI" contract the
// hypervisor core's assembly-level register-save area would have had
// to honor.
const (
	regSizeU32  = 2 << 52
	regSizeU64  = 3 << 52
	regSizeU128 = 4 << 52

	regArm64   = 0x6000000000000000
	regCore    = 0x0000000000100000
	regSysReg  = 0x0000000000130000
	regDemux   = 0x0000000000110000
)

func coreReg(off uint64) uint64 {
	return regArm64 | regSizeU64 | regCore | off
}

// KVM_REG_ARM_CORE_REG(name) is offsetof(struct kvm_regs, name) /
// sizeof(__u32): a byte offset into struct kvm_regs, divided by 4, not
// 8. struct kvm_regs starts with struct user_pt_regs { regs[31]; sp;
// pc; pstate; }, each field 8 bytes, so the divide-by-4 unit offset of
// GPR n is n*2, sp is 31*2=62, pc is 64, and pstate is 66.
const coreRegsBase = 0x0

func gprOffset(n int) uint64 {
	return coreRegsBase + uint64(n)*2
}

// GPR returns the register ID for guest x0..x30.
func GPR(n int) uint64 { return coreReg(gprOffset(n)) }

var (
	RegSP     = coreReg(gprOffset(31))
	RegPC     = coreReg(0x40)
	RegPState = coreReg(0x42)
)

// sysReg builds a KVM_REG_ARM64_SYSREG ID from the Op0/Op1/CRn/CRm/Op2
// fields of the MRS/MSR encoding, exactly as the architecture defines
// the system register namespace.
func sysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return regArm64 | regSizeU64 | regSysReg |
		(op0 << 14) | (op1 << 11) | (crn << 7) | (crm << 3) | (op2 << 0)
}

var (
	RegSCTLR_EL1      = sysReg(3, 0, 1, 0, 0)
	RegTTBR0_EL1      = sysReg(3, 0, 2, 0, 0)
	RegTTBR1_EL1      = sysReg(3, 0, 2, 0, 1)
	RegTCR_EL1        = sysReg(3, 0, 2, 0, 2)
	RegMAIR_EL1       = sysReg(3, 0, 10, 2, 0)
	RegVBAR_EL1       = sysReg(3, 0, 12, 0, 0)
	RegCONTEXTIDR_EL1 = sysReg(3, 0, 13, 0, 1)
	RegTPIDR_EL0      = sysReg(3, 3, 13, 0, 2)
	RegTPIDRRO_EL0    = sysReg(3, 3, 13, 0, 3)
	RegTPIDR_EL1      = sysReg(3, 0, 13, 0, 4)
	RegSP_EL1         = sysReg(3, 4, 4, 1, 0)
	RegELR_EL1        = sysReg(3, 0, 4, 0, 1)
	RegSPSR_EL1       = sysReg(3, 0, 4, 0, 0)
	RegMPIDR_EL1      = sysReg(3, 0, 0, 0, 5)
	RegCNTV_CTL_EL0   = sysReg(3, 3, 14, 3, 1)
	RegCNTV_CVAL_EL0  = sysReg(3, 3, 14, 3, 2)
	RegCNTVOFF_EL2    = sysReg(3, 4, 14, 0, 3)
)

// KVM_DEV_ARM_VGIC device attribute groups/constants used by gic.Controller.
const (
	DevArmVgicGrpAddr    = 0
	DevArmVgicGrpDist    = 1
	DevArmVgicGrpRedist  = 5
	DevArmVgicGrpCPUIface = 6
	DevArmVgicGrpNRIrqs  = 3
	DevArmVgicGrpCtrl    = 4

	VgicAddrTypeDist = 2
	VgicAddrTypeRedist = 3

	VgicCtrlInit = 0
)
