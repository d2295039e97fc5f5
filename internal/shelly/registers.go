package shelly

// Modbus input registers of the EM component. Each value is a float32
// spanning two registers; phases use identical blocks at fixed offsets.
const (
	RegPhaseA = 31020
	RegPhaseB = 31040
	RegPhaseC = 31060
)

// Offsets inside a phase block, in registers.
const (
	offVoltage       = 0
	offCurrent       = 2
	offActivePower   = 4
	offApparentPower = 6
	offPowerFactor   = 8

	phaseBlockFloats = 5
)
