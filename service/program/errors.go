package program

import "fmt"

// Anchor numbers user-defined errors from 6000.
const customErrorOffset = 6000

type programError struct {
	name string
	msg  string
}

// marketErrors are indexed by code - customErrorOffset.
var marketErrors = []programError{
	{"MarketNotOpen", "Market is Not Open"},
	{"EventQueueFUll", "Event Queue is Full"},
	{"RequestQueueFull", "Request Queue is Full"},
	{"InsufficientBalance", "Insufficient Balance for this operation"},
	{"OrderNotFound", "Order Not Found"},
	{"MaxOrderReached", "Exceeded max open orders per trade"},
	{"Unauthorized", "Unauthorized"},
	{"MathError", "Math Overflow or Underflow Detected"},
	{"NoMatchingOrder", "No Matching Order Found"},
	{"InvalidArgument", "Invalid Argument"},
	{"SlotOccupied", "Slot Already Occupied"},
	{"InvalidSide", "Invalid Order Side"},
	{"VaultTransferFailed", "Vault Transfer Failed"},
}

// Framework errors Anchor itself raises before program code runs.
var anchorErrors = map[uint32]programError{
	100:  {"InstructionMissing", "8 byte instruction identifier not provided"},
	101:  {"InstructionFallbackNotFound", "Fallback functions are not supported"},
	102:  {"InstructionDidNotDeserialize", "The program could not deserialize the given instruction"},
	103:  {"InstructionDidNotSerialize", "The program could not serialize the given instruction"},
	2000: {"ConstraintMut", "A mut constraint was violated"},
	2002: {"ConstraintSigner", "A signer constraint was violated"},
	3010: {"AccountNotSigner", "The given account did not sign"},
	3012: {"AccountNotInitialized", "The program expected this account to be already initialized"},
}

func lookup(code uint32) (programError, bool) {
	if code >= customErrorOffset && int(code-customErrorOffset) < len(marketErrors) {
		return marketErrors[code-customErrorOffset], true
	}
	e, ok := anchorErrors[code]
	return e, ok
}

// ErrorName returns the variant name for a custom program error code,
// or "" if the code is unknown.
func ErrorName(code uint32) string {
	e, _ := lookup(code)
	return e.name
}

// ErrorMessage returns the human readable message for a custom error code.
func ErrorMessage(code uint32) string {
	e, _ := lookup(code)
	return e.msg
}

// DescribeError renders a code as "Name: message". It has the shape of
// solana.ErrorDescriber so a Connection can name program failures.
func DescribeError(code uint32) string {
	e, ok := lookup(code)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.name, e.msg)
}
