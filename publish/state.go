package publish

// BridgeState is the lifecycle state of a Transaction Bridge
type BridgeState string

const (
	// BridgeNotStarted indicates the bridge exists but no broker transaction began
	BridgeNotStarted BridgeState = "NOT_STARTED"
	// BridgeActive indicates the broker transaction is open and buffering events
	BridgeActive BridgeState = "ACTIVE"
	// BridgePrepared indicates the bridge voted yes and awaits the decision
	BridgePrepared BridgeState = "PREPARED"
	// BridgeCommitted indicates the broker transaction was committed
	BridgeCommitted BridgeState = "COMMITTED"
	// BridgeRolledBack indicates the broker transaction was aborted
	BridgeRolledBack BridgeState = "ROLLED_BACK"
)

// validBridgeTransitions defines valid state transitions for bridges
var validBridgeTransitions = map[BridgeState][]BridgeState{
	BridgeNotStarted: {
		BridgeActive,
	},
	BridgeActive: {
		BridgePrepared,
		BridgeRolledBack,
	},
	BridgePrepared: {
		BridgeCommitted,
		BridgeRolledBack,
	},
	BridgeCommitted:  {},
	BridgeRolledBack: {},
}

// ValidateBridgeTransition checks if a bridge state transition is valid
func ValidateBridgeTransition(from, to BridgeState) bool {
	validTargets, ok := validBridgeTransitions[from]
	if !ok {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsBridgeTerminal returns true if the bridge can no longer change state
func IsBridgeTerminal(state BridgeState) bool {
	switch state {
	case BridgeCommitted, BridgeRolledBack:
		return true
	default:
		return false
	}
}
