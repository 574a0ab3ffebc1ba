package risk

import "errors"

var (
	errZeroUnitRisk       = errors.New("risk: entry and stop price are equal, cannot size position")
	errBelowMinOrderValue = errors.New("risk: sized notional is below the configured minimum order value")
)
