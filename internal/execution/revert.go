package execution

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	clierr "github.com/decaflow/decaflow/internal/errors"
)

// dataError is the shape geth RPC errors expose revert data through.
type dataError interface {
	ErrorData() interface{}
}

var errorStringSelector = common.FromHex("0x08c379a0")

// wrapEVMExecutionError decorates an RPC error with the decoded revert
// reason when one is present in the error data.
func wrapEVMExecutionError(code clierr.Code, msg string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: %s", msg, reason), err)
	}
	return clierr.Wrap(code, msg, err)
}

func decodeRevertFromError(err error) string {
	var de dataError
	if !errors.As(err, &de) {
		return ""
	}
	switch data := de.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(data))
	case []byte:
		return decodeRevertData(data)
	default:
		return ""
	}
}

// decodeRevertData extracts the reason from Error(string) revert data, or
// reports the selector of a custom error.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if bytes.Equal(data[:4], errorStringSelector) {
		stringTy, err := abi.NewType("string", "", nil)
		if err != nil {
			return ""
		}
		args := abi.Arguments{{Type: stringTy}}
		values, err := args.Unpack(data[4:])
		if err == nil && len(values) == 1 {
			if s, ok := values[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	return fmt.Sprintf("custom error %s", hexutil.Encode(data[:4]))
}
