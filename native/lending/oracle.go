package lending

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-time so tests can control maturity, grace-period and
// cancel-window arithmetic without sleeping.
type Clock interface {
	Now() uint64
}

// SystemClock is the production Clock, backed by the process wall clock.
type SystemClock struct{}

// Now returns the current Unix timestamp.
func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// OracleParams describes an outbound price report request. Fields mirror the
// external oracle's own request shape; the engine does not interpret the
// dispute/fee-bracket fields beyond passing them through.
type OracleParams struct {
	CollateralAsset AssetID
	DebtAsset       AssetID

	// ProposalCollateral/ProposalDebt is the liquidator's initial price
	// proposal, expressed as (exactToken1, amount2).
	ProposalCollateral *big.Int
	ProposalDebt       *big.Int

	// LiquiditySeed is collateral-asset units pulled alongside the stake to
	// seed the oracle's dispute market (supply/10).
	LiquiditySeed *big.Int

	// ProtocolFeeRate is scaled by 1e7; taken from
	// RiskParameters.OracleProtocolFeeRate, which defaults to 1e5 (1%).
	ProtocolFeeRate uint64
	// SettlementDelay and DisputeDelay are seconds.
	SettlementDelay uint64
	DisputeDelay    uint64
	// FeeBracketMultiplier is a flat multiplier applied to the fee bracket.
	FeeBracketMultiplier uint64
	// RequiredStake is the minimum gas/ETH-denominated stake the oracle
	// demands, keyed to the liquidation stake (supply*stakeBps/10000/1000).
	RequiredStake *big.Int
}

// SettleCallback is invoked exactly once per report when the oracle
// resolves. feesCollateral/feesDebt are the protocol fees the oracle
// collected in each asset.
type SettleCallback func(reportID ReportID, finalRatio OracleRatio, feesCollateral, feesDebt *big.Int, settleTime uint64)

// OracleBridge is the outbound half of the external pricing subsystem: open
// a report, and — asynchronously, exactly once — have it call back through
// the registered SettleCallback.
type OracleBridge interface {
	OpenReport(params OracleParams) (ReportID, error)
}

// InProcessOracle is a reference OracleBridge that settles reports on its own
// schedule using SettlementDelay+DisputeDelay after OpenReport, modeling the
// external oracle's asynchronous settlement without any real dispute
// mechanism: the initial proposal is taken as the final ratio verbatim and no
// fees are assessed. It exists so the engine has something to drive end to
// end; production deployments point LoanStateMachine at a real oracle
// adapter instead.
type InProcessOracle struct {
	mu       sync.Mutex
	clock    Clock
	callback SettleCallback
	pending  map[ReportID]OracleParams
}

// NewInProcessOracle constructs a reference oracle bound to clock. The
// settlement callback must be supplied via SetCallback before any report is
// opened.
func NewInProcessOracle(clock Clock) *InProcessOracle {
	if clock == nil {
		clock = SystemClock{}
	}
	return &InProcessOracle{clock: clock, pending: make(map[ReportID]OracleParams)}
}

// SetCallback registers the function invoked on settlement. The engine wires
// its own onOracleSettle handler here after constructing both sides.
func (o *InProcessOracle) SetCallback(cb SettleCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callback = cb
}

// OpenReport records the report and schedules an asynchronous settlement.
func (o *InProcessOracle) OpenReport(params OracleParams) (ReportID, error) {
	if params.ProposalDebt == nil || params.ProposalDebt.Sign() <= 0 {
		return "", fmt.Errorf("oracle: proposal debt amount must be positive")
	}
	id := ReportID(uuid.New().String())

	o.mu.Lock()
	o.pending[id] = params
	o.mu.Unlock()

	delay := time.Duration(params.SettlementDelay+params.DisputeDelay) * time.Second
	time.AfterFunc(delay, func() {
		o.settle(id, params.ProposalCollateral, params.ProposalDebt, big.NewInt(0), big.NewInt(0))
	})
	return id, nil
}

// TriggerSettle forces immediate settlement of a pending report with caller-
// supplied final terms, bypassing the scheduled delay. It exists for tests
// that need deterministic control over settlement outcomes (including the
// breached/underwater/grace-period scenarios the scheduled path would never
// produce, since it always reports the initial proposal as final).
func (o *InProcessOracle) TriggerSettle(reportID ReportID, finalCollateral, finalDebt, feesCollateral, feesDebt *big.Int) error {
	o.mu.Lock()
	_, ok := o.pending[reportID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("oracle: unknown report %s", reportID)
	}
	o.settle(reportID, finalCollateral, finalDebt, feesCollateral, feesDebt)
	return nil
}

func (o *InProcessOracle) settle(reportID ReportID, finalCollateral, finalDebt, feesCollateral, feesDebt *big.Int) {
	o.mu.Lock()
	_, ok := o.pending[reportID]
	if ok {
		delete(o.pending, reportID)
	}
	cb := o.callback
	clock := o.clock
	o.mu.Unlock()
	if !ok || cb == nil {
		return
	}
	ratio := OracleRatio{Collateral: new(big.Int).Set(finalCollateral), Debt: new(big.Int).Set(finalDebt)}
	cb(reportID, ratio, feesCollateral, feesDebt, clock.Now())
}
