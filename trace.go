package driftsync

import (
	"runtime/debug"

	"github.com/golang/glog"
)

// logging conventions:
//
//	glog.Info for rare, material events. State transitions, fallback entry,
//	  queue evictions.
//	glog.V(1) for per-connection events
//	glog.V(2) for per-message events

// HandleError runs `do` and converts a panic into a logged event, so that a
// misbehaving callback cannot take down an engine loop. The optional
// `handlers` run after a recover.
func HandleError(do func(), handlers ...func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[recover]%v\n", r)
			if glog.V(2) {
				glog.Warningf("[recover]stack = %s\n", string(debug.Stack()))
			}
			for _, handler := range handlers {
				handler()
			}
		}
	}()
	do()
}
