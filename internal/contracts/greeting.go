package contracts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GreetingContractABI is the interface description of the deployed GreetingContract.
//
//go:embed greeting_abi.json
var GreetingContractABI []byte

// Method and event names used by the greeter.
const (
	MethodGetGreeting            = "getGreeting"
	MethodGetContractInfo        = "getContractInfo"
	MethodGetHistoryCount        = "getHistoryCount"
	MethodGetGreetingFromHistory = "getGreetingFromHistory"
	MethodSetGreeting            = "setGreeting"

	EventGreetingUpdated = "GreetingUpdated"
)

// MaxGreetingLength is the longest greeting accepted, in UTF-16 code units,
// the unit the browser's character counter uses.
const MaxGreetingLength = 200

// GreetingLength counts s the way the length limit does: a character outside
// the Basic Multilingual Plane, such as most emoji, counts as two.
func GreetingLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// ParseGreetingABI parses the ABI at path, or the embedded one when path is empty.
func ParseGreetingABI(path string) (abi.ABI, error) {
	raw := GreetingContractABI
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read abi: %w", err)
		}
		raw = blob
	}

	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	for _, name := range []string{
		MethodGetGreeting,
		MethodGetContractInfo,
		MethodGetHistoryCount,
		MethodGetGreetingFromHistory,
		MethodSetGreeting,
	} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("abi is missing method %s", name)
		}
	}
	return parsed, nil
}
