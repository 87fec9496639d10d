package lending

import (
	"fmt"

	"github.com/BurntSushi/toml"

	nativecommon "github.com/nhbprotocol/p2plend/native/common"
)

// RiskParameters captures the governance-tunable dials for the lending
// module, loaded from the node's static configuration at startup. Unlike the
// per-loan terms (rate, term, liquidation threshold) that borrowers and
// lenders negotiate directly, these values are set once for the deployment
// and apply uniformly to every loan.
type RiskParameters struct {
	// OracleProtocolFeeRate is passed through to OracleBridge.OpenReport on
	// every liquidation, scaled by 1e7 (1e5 == 1%).
	OracleProtocolFeeRate uint64 `toml:"OracleProtocolFeeRate"`
	// OracleSettlementDelay and OracleDisputeDelay are seconds, summed by the
	// oracle to derive its scheduled settlement time.
	OracleSettlementDelay uint64 `toml:"OracleSettlementDelay"`
	OracleDisputeDelay    uint64 `toml:"OracleDisputeDelay"`
	// OracleFeeBracketMultiplier is passed through unmodified.
	OracleFeeBracketMultiplier uint64 `toml:"OracleFeeBracketMultiplier"`

	Pauses ActionPauses `toml:"pauses"`

	// OfferBorrowQuota and LiquidateQuota bound, per caller address, the
	// request count and debt-asset volume accepted for offerBorrow and
	// liquidate within a fixed epoch window (now / EpochSeconds). Independent of (and in addition to)
	// the HTTP gateway's per-token-bucket rate limiter, so the cap holds for
	// any caller of the engine, gateway or otherwise.
	OfferBorrowQuota nativecommon.Quota `toml:"offerBorrowQuota"`
	LiquidateQuota   nativecommon.Quota `toml:"liquidateQuota"`
}

// ActionPauses gates individual lending transitions independently of the
// module-wide circuit breaker (native/common.PauseView). It lets governance
// freeze, say, new originations while leaving repayment and liquidation open
// so borrowers already in a loan are never trapped by a pause aimed at new
// activity.
type ActionPauses struct {
	Request         bool `toml:"Request"`
	OfferBorrow     bool `toml:"OfferBorrow"`
	AcceptOffer     bool `toml:"AcceptOffer"`
	Refinance       bool `toml:"Refinance"`
	TopUp           bool `toml:"TopUp"`
	Repay           bool `toml:"Repay"`
	Liquidate       bool `toml:"Liquidate"`
	ClaimCollateral bool `toml:"ClaimCollateral"`
}

// DefaultRiskParameters returns the parameter set the reference deployment
// ships with. Every individual pause defaults to open. The module-wide
// breaker is not part of RiskParameters; an Engine has none until SetPauses
// is called.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		OracleProtocolFeeRate:      100_000, // 1e5, scaled 1e7 -> 1%
		OracleSettlementDelay:      300,
		OracleDisputeDelay:         60,
		OracleFeeBracketMultiplier: 200,
		OfferBorrowQuota: nativecommon.Quota{
			MaxRequestsPerMin: 30,
			EpochSeconds:      60,
		},
		LiquidateQuota: nativecommon.Quota{
			MaxRequestsPerMin: 10,
			EpochSeconds:      60,
		},
	}
}

// LoadRiskParameters reads a TOML-encoded RiskParameters file from path,
// starting from DefaultRiskParameters so an operator's file only needs to
// override the dials it cares about.
func LoadRiskParameters(path string) (RiskParameters, error) {
	params := DefaultRiskParameters()
	if path == "" {
		return params, nil
	}
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return RiskParameters{}, fmt.Errorf("decode risk parameters: %w", err)
	}
	return params, nil
}
