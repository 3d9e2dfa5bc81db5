package job

import "fmt"

// State is the phase a run is in.
type State int

const (
	Pending State = iota
	Packaging
	Transferring
	Cycling
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Packaging:
		return "packaging"
	case Transferring:
		return "transferring"
	case Cycling:
		return "cycling"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
