package adapter

import "fmt"

// ErrorKind classifies the faults the adapter absorbs instead of failing.
type ErrorKind int

const (
	MissingTarget ErrorKind = iota + 1
	OverrideHandlerFault
	UnmappedAction
	TransportFault
	StalledInitialization
	TransferLoss
)

var errorKinds = []ErrorKind{
	MissingTarget,
	OverrideHandlerFault,
	UnmappedAction,
	TransportFault,
	StalledInitialization,
	TransferLoss,
}

func (k ErrorKind) String() string {
	switch k {
	case MissingTarget:
		return "missing_target"
	case OverrideHandlerFault:
		return "override_handler_fault"
	case UnmappedAction:
		return "unmapped_action"
	case TransportFault:
		return "transport_fault"
	case StalledInitialization:
		return "stalled_initialization"
	case TransferLoss:
		return "transfer_loss"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// ErrorKinds lists every kind in a stable order, for metrics.
func ErrorKinds() []ErrorKind { return append([]ErrorKind(nil), errorKinds...) }
