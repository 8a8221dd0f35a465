package solana

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/brojonat/txconfirm/service/txerr"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Transaction error keys the cluster reports that we branch on.
// Source: solana sdk/src/transaction/error.rs
const (
	TransactionErrorBlockhashNotFound = "BlockhashNotFound"
	TransactionErrorInstructionError  = "InstructionError"
)

// ErrorDescriber names a custom program error code, or returns "" if unknown.
type ErrorDescriber func(code uint32) string

// classifySendError maps a sendTransaction failure onto the error taxonomy.
// A JSON-RPC error means the node answered and refused; anything else is transport.
func classifySendError(err error, describe ErrorDescriber) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return txerr.Network("send", err)
	}

	reason := rejectionReason(rpcErr, describe)
	if isStaleBlockhash(rpcErr) {
		return txerr.StaleFreshnessToken("send", reason, err)
	}
	return txerr.Rejected("send", reason, err)
}

// isStaleBlockhash detects a rejection caused by an expired or unknown blockhash.
// Preflight reports it in data.err; nodes skipping preflight only say it in the message.
func isStaleBlockhash(rpcErr *jsonrpc.RPCError) bool {
	if data, ok := rpcErr.Data.(map[string]interface{}); ok {
		if key, ok := data["err"].(string); ok && key == TransactionErrorBlockhashNotFound {
			return true
		}
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "blockhash not found")
}

func rejectionReason(rpcErr *jsonrpc.RPCError, describe ErrorDescriber) string {
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok || data["err"] == nil {
		return rpcErr.Message
	}
	detail := describeTransactionError(data["err"], describe)
	if detail == "" || strings.Contains(rpcErr.Message, detail) {
		return rpcErr.Message
	}
	return rpcErr.Message + ": " + detail
}

// describeTransactionError renders the "err" payload found in sendTransaction
// preflight errors and getSignatureStatuses results.
func describeTransactionError(raw interface{}, describe ErrorDescriber) string {
	switch t := raw.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]interface{}:
		if len(t) != 1 {
			return fmt.Sprint(t)
		}
		for k, v := range t {
			if k == TransactionErrorInstructionError {
				return TransactionErrorInstructionError + ": " + describeInstructionError(v, describe)
			}
			if v == nil {
				return k
			}
			return fmt.Sprintf("%s: %v", k, v)
		}
	}
	return fmt.Sprint(raw)
}

// describeInstructionError renders the [index, detail] tuple of an InstructionError.
func describeInstructionError(v interface{}, describe ErrorDescriber) string {
	values, ok := v.([]interface{})
	if !ok || len(values) != 2 {
		return fmt.Sprint(v)
	}

	prefix := "instruction ?"
	if idx, ok := parseNumber(values[0]); ok {
		prefix = "instruction " + strconv.FormatUint(idx, 10)
	}

	switch detail := values[1].(type) {
	case string:
		return prefix + ": " + detail
	case map[string]interface{}:
		if custom, ok := detail["Custom"]; ok {
			code, ok := parseNumber(custom)
			if !ok {
				return prefix + ": custom program error"
			}
			msg := fmt.Sprintf("%s: custom program error %d", prefix, code)
			if describe != nil {
				if name := describe(uint32(code)); name != "" {
					msg += " (" + name + ")"
				}
			}
			return msg
		}
		return prefix + ": " + fmt.Sprint(detail)
	default:
		return prefix + ": " + fmt.Sprint(detail)
	}
}

func parseNumber(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	default:
		return 0, false
	}
}
