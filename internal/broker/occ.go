package broker

import (
	"fmt"
	"math"
	"strings"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// OCCSymbol encodes an instrument as a canonical 21-character OCC option
// symbol: root padded to 6 characters, YYMMDD expiry, C/P, and the strike in
// thousandths zero-padded to 8 digits.
//
//	AAPL $190 call expiring 2026-01-16 -> "AAPL  260116C00190000"
func OCCSymbol(inst domain.Instrument) string {
	root := strings.ToUpper(inst.Underlying)
	if len(root) > 6 {
		root = root[:6]
	}
	strikeMils := int64(math.Round(inst.Strike * 1000))
	return fmt.Sprintf("%-6s%s%s%08d",
		root,
		inst.Expiry.Format("060102"),
		string(inst.OptionType),
		strikeMils,
	)
}

// CompactOCCSymbol is the padding-free variant some APIs (Alpaca among them)
// expect: identical fields, no space fill on the root.
func CompactOCCSymbol(inst domain.Instrument) string {
	return strings.ReplaceAll(OCCSymbol(inst), " ", "")
}

// ValidateInstrument rejects instruments an OCC symbol cannot express.
func ValidateInstrument(inst domain.Instrument) error {
	if inst.Underlying == "" || len(inst.Underlying) > 6 {
		return fmt.Errorf("broker: underlying %q must be 1-6 characters: %w", inst.Underlying, domain.ErrInvalidRequest)
	}
	if inst.Strike <= 0 {
		return fmt.Errorf("broker: strike must be positive: %w", domain.ErrInvalidRequest)
	}
	if inst.Strike >= 100000 {
		return fmt.Errorf("broker: strike %v exceeds OCC encoding range: %w", inst.Strike, domain.ErrInvalidRequest)
	}
	if inst.OptionType != domain.OptionCall && inst.OptionType != domain.OptionPut {
		return fmt.Errorf("broker: option type %q must be C or P: %w", inst.OptionType, domain.ErrInvalidRequest)
	}
	if inst.Expiry.IsZero() {
		return fmt.Errorf("broker: expiry is required: %w", domain.ErrInvalidRequest)
	}
	return nil
}
