package broker

import "github.com/mirrormarket/mirrormarket/internal/domain"

// Regulatory fee rates for US listed options. All but the SEC fee are
// charged per contract; the SEC fee applies to sale proceeds only.
const (
	// orfPerContract is the Options Regulatory Fee, charged on both sides.
	orfPerContract = 0.02915
	// occClearingPerContract is the OCC clearing fee, charged on both sides.
	occClearingPerContract = 0.02
	// tafPerContract is the FINRA Trading Activity Fee, sells only.
	tafPerContract = 0.00279
	// secRate applies to notional sale proceeds, sells only.
	secRate = 0.0000278
)

// EstimateFees returns the regulatory fees for an order. Opens and closes
// are asymmetric: sale-side orders additionally pay the SEC fee on proceeds
// and the per-contract TAF.
func EstimateFees(side domain.OrderSide, contracts int, notional float64) float64 {
	n := float64(contracts)
	fees := (orfPerContract + occClearingPerContract) * n
	if side == domain.OrderSideSell {
		fees += secRate*notional + tafPerContract*n
	}
	return fees
}

// EstimateCost builds the full cost breakdown for an order at the given
// per-share premium.
func EstimateCost(side domain.OrderSide, contracts int, price float64) domain.CostEstimate {
	premium := domain.Notional(price, contracts)
	fees := EstimateFees(side, contracts, premium)
	return domain.CostEstimate{
		Premium: premium,
		Fees:    fees,
		Total:   premium + fees,
	}
}
