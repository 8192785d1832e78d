// Package session holds the secure-session machinery: the ordered command
// queue with its SV mini-state machine (CommandManager, spec §4.4), the
// per-session context and modification-buffer accounting (SessionContext,
// spec §3), and the orchestrator that drives PO and SAM through open,
// processing, PIN, SV and close flows (TransactionManager, spec §4.5).
package session

import (
	"fmt"

	"github.com/calypsonet/calypso-engine/command"
	"github.com/calypsonet/calypso-engine/errs"
)

// svState is the SV mini-FSM of spec §4.4: NONE → SV_GET_DONE → OP_PREPARED.
type svState int

const (
	svNone svState = iota
	svGetDone
	svOpPrepared
)

// CommandManager owns the ordered list of prepared PO commands and the SV
// sub-state machine (spec §4.4). The transaction manager drains it once
// per processing batch.
type CommandManager struct {
	commands []command.Command

	svState      svState
	svOperation  command.SVOperation
	svGet        *command.SVGet
	svOp         *command.SVOperationCommand
	svOpComplete bool
}

// NewCommandManager returns an empty command queue.
func NewCommandManager() *CommandManager {
	return &CommandManager{}
}

// Add appends cmd to the queue, enforcing the SV ordering rules of spec
// §4.4: an SV Reload/Debit/Undebit must be the first command of its batch
// and must follow an SV Get with the matching operation kind; anything
// else is a programming error surfaced as DesynchronizedCommands.
func (m *CommandManager) Add(cmd command.Command) error {
	switch c := cmd.(type) {
	case *command.SVGet:
		m.svState = svGetDone
		m.svOperation = c.Operation
		m.svGet = c
	case *command.SVOperationCommand:
		if len(m.commands) > 0 {
			return errs.New(errs.KindDesynchronizedCommands, cmd.Name(),
				"SV operation must be the first prepared command of its batch")
		}
		if m.svState != svGetDone {
			return errs.New(errs.KindDesynchronizedCommands, cmd.Name(),
				"SV operation prepared without a preceding SV Get")
		}
		if m.svOperation != c.Operation {
			return errs.New(errs.KindDesynchronizedCommands, cmd.Name(),
				fmt.Sprintf("SV Get announced a different operation (%d)", m.svOperation))
		}
		m.svState = svOpPrepared
		m.svOp = c
	}
	m.commands = append(m.commands, cmd)
	return nil
}

// Commands returns the queued commands in preparation order.
func (m *CommandManager) Commands() []command.Command {
	return m.commands
}

// HasSVOperation reports whether the current batch carries a finalisable
// SV Reload/Debit/Undebit.
func (m *CommandManager) HasSVOperation() bool {
	return m.svState == svOpPrepared
}

// SVOperationCommand returns the pending SV operation, or nil.
func (m *CommandManager) SVOperationCommand() *command.SVOperationCommand {
	return m.svOp
}

// SVGetCommand returns the last prepared SV Get, or nil.
func (m *CommandManager) SVGetCommand() *command.SVGet {
	return m.svGet
}

// NotifyCommandsProcessed clears the queue after a batch has been
// transmitted and parsed, preserving the one-shot "SV operation complete"
// flag the transaction manager uses to trigger SAM SV Check (spec §4.4).
// It returns the number of commands consumed so the caller can assert the
// reader answered every one of them.
func (m *CommandManager) NotifyCommandsProcessed() int {
	n := len(m.commands)
	m.commands = nil
	if m.svState == svOpPrepared {
		m.svOpComplete = true
		m.svState = svNone
		m.svOp = nil
		m.svGet = nil
	}
	return n
}

// ConsumeSVOperationComplete reports and clears the one-shot flag set when
// a batch containing the SV operation was processed.
func (m *CommandManager) ConsumeSVOperationComplete() bool {
	done := m.svOpComplete
	m.svOpComplete = false
	return done
}

// Reset discards the queue and every bit of SV state, for cancel/abort
// paths.
func (m *CommandManager) Reset() {
	*m = CommandManager{}
}
