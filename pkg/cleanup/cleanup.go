// Package cleanup implements the LIFO cleanup stack (C1): a registry of
// reversible host-side side effects pushed by pkg/fsutil, pkg/container, and
// the concrete gateways, and drained in reverse on rollback, container
// destroy, or agent shutdown.
package cleanup

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pelagicore/softwarecontainer/pkg/log"
)

// Handler is one reversible side effect. Each concrete Handler carries
// enough data to be inverted without reference to any other live object.
type Handler interface {
	// Clean reverses the side effect. It never panics; failures are
	// reported through the return value and logged by the Stack.
	Clean() error

	// Name identifies the handler for duplicate-path suppression. Mount
	// handlers return "" so they are never deduplicated.
	Name() string
}

// Stack is a LIFO registry of Handlers. It is not safe for concurrent use
// and does no locking of its own.
type Stack struct {
	handlers []Handler
}

// New returns an empty Stack.
func New() *Stack {
	return &Stack{}
}

// Push registers a handler, suppressing duplicates for Dir/File handlers
// that target a path already on the stack (spec §4.2). Mount handlers
// report Name() == "" and are therefore never suppressed.
func (s *Stack) Push(h Handler) {
	if name := h.Name(); name != "" && s.contains(name) {
		return
	}
	s.handlers = append(s.handlers, h)
}

func (s *Stack) contains(name string) bool {
	for _, h := range s.handlers {
		if h.Name() == name {
			return true
		}
	}
	return false
}

// Len reports the number of handlers currently registered.
func (s *Stack) Len() int {
	return len(s.handlers)
}

// Drain runs every handler in reverse registration order, logging (but not
// stopping on) individual failures, and leaves the stack empty. It reports
// whether every handler succeeded.
func (s *Stack) Drain() bool {
	success := true
	for i := len(s.handlers) - 1; i >= 0; i-- {
		h := s.handlers[i]
		if err := h.Clean(); err != nil {
			log.Logger.Warn().Err(err).Str("handler", h.Name()).Msg("cleanup handler failed")
			success = false
		}
	}
	s.handlers = s.handlers[:0]
	if !success {
		log.Warn("one or more cleanup handlers returned error status, please check the log")
	}
	return success
}

// DrainFrom runs only the handlers pushed since mark (the Len() recorded
// before a compound operation began), for local rollback of a single
// failed operation without disturbing handlers registered earlier.
func (s *Stack) DrainFrom(mark int) bool {
	success := true
	for i := len(s.handlers) - 1; i >= mark; i-- {
		h := s.handlers[i]
		if err := h.Clean(); err != nil {
			log.Logger.Warn().Err(err).Str("handler", h.Name()).Msg("cleanup handler failed")
			success = false
		}
	}
	s.handlers = s.handlers[:mark]
	return success
}

// DirRemove removes a created directory.
type DirRemove struct {
	Path string
}

func (h DirRemove) Clean() error { return os.RemoveAll(h.Path) }
func (h DirRemove) Name() string { return h.Path }

// FileUnlink removes a created or written file.
type FileUnlink struct {
	Path string
}

func (h FileUnlink) Clean() error { return os.Remove(h.Path) }
func (h FileUnlink) Name() string { return h.Path }

// UnmountLazy performs a lazy (MNT_DETACH) unmount of a mount point created
// by pkg/fsutil. Never deduplicated (spec §4.2).
type UnmountLazy struct {
	Path string
}

func (h UnmountLazy) Clean() error {
	return syscall.Unmount(h.Path, syscall.MNT_DETACH)
}
func (h UnmountLazy) Name() string { return "" }

// OverlaySync recursively copies the upper overlay directory back onto the
// lower directory on cleanup (spec §9 Open Questions: pushed after the
// corresponding UnmountLazy handler so LIFO draining runs sync before the
// unmount handler that follows it on the stack — see pkg/fsutil.OverlayMount).
type OverlaySync struct {
	Upper string
	Lower string
}

func (h OverlaySync) Clean() error {
	return copyTree(h.Upper, h.Lower)
}
func (h OverlaySync) Name() string { return "" }

// ProcessTerminate kills a supervised subprocess (and its process group)
// registered by the D-Bus gateway's proxy supervisor.
type ProcessTerminate struct {
	PID int
}

func (h ProcessTerminate) Clean() error {
	// Negative PID targets the whole process group.
	if err := syscall.Kill(-h.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
func (h ProcessTerminate) Name() string { return "" }

// IPTablesRuleDelete removes one iptables rule emitted by the Network
// gateway, identified by the exact argument vector used to add it (with
// "-A"/"-I" swapped for "-D").
type IPTablesRuleDelete struct {
	DeleteArgs []string
}

func (h IPTablesRuleDelete) Clean() error {
	cmd := exec.Command("iptables", h.DeleteArgs...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &execError{err: err, output: string(out)}
	}
	return nil
}
func (h IPTablesRuleDelete) Name() string { return "" }

// AudioModuleUnload unloads a PulseAudio module loaded by the Pulse gateway
// stub, identified by its numeric module index.
type AudioModuleUnload struct {
	Index int
}

func (h AudioModuleUnload) Clean() error {
	// The Pulse gateway is a stub (spec §1); nothing was ever loaded, so
	// there is nothing to unload. Kept as a real variant so the Stack's
	// tagged-union is the full closed set named in spec §3.
	return nil
}
func (h AudioModuleUnload) Name() string { return "" }

type execError struct {
	err    error
	output string
}

func (e *execError) Error() string {
	return e.err.Error() + ": " + e.output
}

func (e *execError) Unwrap() error { return e.err }
