// Package lifecycle implements the operation queue engine that drives every
// managed virtual machine (and every template publication) through its
// create/start/stop/suspend/reset/delete transitions. An entity owns an
// ordered queue of operations; each operation is bound to a handler that
// fires the action once and a checker that polls until it completes.
package lifecycle

// Op is one named step in a resource's lifecycle. The numeric values are the
// wire format used when a queue is persisted, so they must never be reused or
// renumbered. Integers that do not map to a current Op decode as OpUnknown.
type Op int

const (
	// OpUnknown is the decode result for unrecognized wire values. It is
	// never queued by the engine itself.
	OpUnknown Op = 0

	OpInitialize        Op = 1
	OpCreate            Op = 2
	OpCreateCompleted   Op = 3
	OpStart             Op = 4
	OpStartCompleted    Op = 5
	OpStop              Op = 6
	OpStopCompleted     Op = 7
	OpShutdown          Op = 8
	OpShutdownCompleted Op = 9
	OpSuspend           Op = 10
	OpSuspendCompleted  Op = 11
	OpReset             Op = 12
	OpResetCompleted    Op = 13
	OpDelete            Op = 14
	OpDeleteCompleted   Op = 15
	OpWait              Op = 16
	OpNop               Op = 17
	OpDestroyValidator  Op = 18

	OpCustom1 Op = 20
	OpCustom2 Op = 21
	OpCustom3 Op = 22
	OpCustom4 Op = 23
	OpCustom5 Op = 24
	OpCustom6 Op = 25
	OpCustom7 Op = 26
	OpCustom8 Op = 27
	OpCustom9 Op = 28

	// OpFinish and OpError are terminal. They have no handler or checker.
	OpFinish Op = 30
	OpError  Op = 31
)

var opNames = map[Op]string{
	OpUnknown:           "unknown",
	OpInitialize:        "initialize",
	OpCreate:            "create",
	OpCreateCompleted:   "create_completed",
	OpStart:             "start",
	OpStartCompleted:    "start_completed",
	OpStop:              "stop",
	OpStopCompleted:     "stop_completed",
	OpShutdown:          "shutdown",
	OpShutdownCompleted: "shutdown_completed",
	OpSuspend:           "suspend",
	OpSuspendCompleted:  "suspend_completed",
	OpReset:             "reset",
	OpResetCompleted:    "reset_completed",
	OpDelete:            "delete",
	OpDeleteCompleted:   "delete_completed",
	OpWait:              "wait",
	OpNop:               "nop",
	OpDestroyValidator:  "destroy_validator",
	OpCustom1:           "custom_1",
	OpCustom2:           "custom_2",
	OpCustom3:           "custom_3",
	OpCustom4:           "custom_4",
	OpCustom5:           "custom_5",
	OpCustom6:           "custom_6",
	OpCustom7:           "custom_7",
	OpCustom8:           "custom_8",
	OpCustom9:           "custom_9",
	OpFinish:            "finish",
	OpError:             "error",
}

// String returns the lowercase operation name.
func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}

// IsTerminal reports whether the operation ends queue processing.
func (o Op) IsTerminal() bool {
	return o == OpFinish || o == OpError
}

// IsCustom reports whether the operation is one of the provider extension
// slots.
func (o Op) IsCustom() bool {
	return o >= OpCustom1 && o <= OpCustom9
}

// OpFromWire maps a persisted integer back to an Op. Values written by older
// versions that no longer exist decode as OpUnknown, which the engine treats
// as a fatal queue error rather than guessing at semantics.
func OpFromWire(v int) Op {
	o := Op(v)
	if _, ok := opNames[o]; !ok {
		return OpUnknown
	}
	return o
}

// queueToWire converts a queue to its persisted integer form.
func queueToWire(q []Op) []int {
	w := make([]int, len(q))
	for i, o := range q {
		w[i] = int(o)
	}
	return w
}

// queueFromWire converts a persisted integer array back to a queue.
func queueFromWire(w []int) []Op {
	q := make([]Op, len(w))
	for i, v := range w {
		q[i] = OpFromWire(v)
	}
	return q
}
