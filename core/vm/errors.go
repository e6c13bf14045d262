package vm

import "errors"

var (
	ErrOutOfGas                = errors.New("out of gas")
	ErrStackOverflow           = errors.New("stack overflow")
	ErrStackUnderflow          = errors.New("stack underflow")
	ErrInvalidJump             = errors.New("invalid jump destination")
	ErrWriteProtection         = errors.New("write protection")
	ErrExecutionReverted       = errors.New("execution reverted")
	ErrMaxCallDepthExceeded    = errors.New("max call depth exceeded")
	ErrInvalidOpCode           = errors.New("invalid opcode")
	ErrReturnDataOutOfBounds   = errors.New("return data out of bounds")
	ErrMaxCodeSizeExceeded     = errors.New("max code size exceeded")
	ErrMaxInitCodeSizeExceeded = errors.New("max initcode size exceeded")
	ErrContractCollision       = errors.New("contract address collision")
	ErrInsufficientBalance     = errors.New("insufficient balance for transfer")
	ErrNoStateDB               = errors.New("no state database")
	ErrGasUintOverflow         = errors.New("gas uint64 overflow")
)
