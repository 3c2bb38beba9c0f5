package types

// Stage is a state of the session state machine.
type Stage int

const (
	StageBegin Stage = iota
	StageEnsureScope
	StageEnsureSchema
	StageSelectChanges
	StageSendChanges
	StageReceiveChanges
	StageApplyChanges
	StageCommitWatermark
	StageEnd
	StageAborted
)

var stageNames = [...]string{
	StageBegin:           "Begin",
	StageEnsureScope:     "EnsureScope",
	StageEnsureSchema:    "EnsureSchema",
	StageSelectChanges:   "SelectChanges",
	StageSendChanges:     "SendChanges",
	StageReceiveChanges:  "ReceiveChanges",
	StageApplyChanges:    "ApplyChanges",
	StageCommitWatermark: "CommitWatermark",
	StageEnd:             "End",
	StageAborted:         "Aborted",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "Unknown"
	}
	return stageNames[s]
}

// Side tells which end of a session a node plays.
type Side string

const (
	SideClient Side = "client"
	SideServer Side = "server"
)
