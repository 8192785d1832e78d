package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/calypsonet/calypso-engine/apdu"
	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/command"
	"github.com/calypsonet/calypso-engine/errs"
	"github.com/calypsonet/calypso-engine/reader"
	"github.com/calypsonet/calypso-engine/sam"
)

// pendingOpen records a PrepareOpenSecureSession call until the first
// processing batch fuses the Open Secure Session APDU with the queued
// commands (spec §4.5's pre-open capability).
type pendingOpen struct {
	level        sam.WriteAccessLevel
	sfi          byte
	recordNumber byte
}

// TransactionManager is the secure-session orchestrator of spec §4.5. It
// exclusively owns its CommandManager and SessionContext, holds the card
// image it mutates through command parsers, and drives the SAM digest
// dialogue over a second reader boundary.
//
// A TransactionManager is strictly single-threaded cooperative (spec §5):
// one logical thread per card/manager pair, no internal concurrency.
// Concurrent Process* calls on the same instance are rejected with
// ConcurrentUse rather than silently interleaved.
type TransactionManager struct {
	po      reader.Transmitter
	samIO   reader.Transmitter
	card    *card.CalypsoCard
	sam     *sam.CalypsoSam
	setting *sam.SecuritySetting
	logger  *slog.Logger

	cm      *CommandManager
	session *SessionContext

	inUse atomic.Bool

	samChallenge []byte
	pending      *pendingOpen
	diversified  bool

	// SV Get material cached for the SAM SV Prepare* splice (spec §4.5).
	svGetHeader   []byte
	svGetResponse []byte
}

// Option configures a TransactionManager at construction time.
type Option func(*TransactionManager)

// WithLogger attaches a structured logger; without it the manager logs to
// a discarding handler. The engine never installs a global logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *TransactionManager) { t.logger = l }
}

// WithSessionBufferLimit overrides the card's session-modification-buffer
// budget in bytes (spec §3; DefaultSessionBufferLimit otherwise).
func WithSessionBufferLimit(limit int) Option {
	return func(t *TransactionManager) { t.session.bufferLimit = limit }
}

// NewTransactionManager wires a transaction over poReader (the PO side)
// and samReader (the SAM side) against the given card image, SAM handle
// and security policy.
func NewTransactionManager(poReader, samReader reader.Transmitter, c *card.CalypsoCard, s *sam.CalypsoSam, setting *sam.SecuritySetting, opts ...Option) *TransactionManager {
	t := &TransactionManager{
		po:      poReader,
		samIO:   samReader,
		card:    c,
		sam:     s,
		setting: setting,
		logger:  slog.New(slog.DiscardHandler),
		cm:      NewCommandManager(),
		session: newSessionContext(DefaultSessionBufferLimit),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Card exposes the card image for read-only inspection (spec §3: writes
// are funnelled through the engine).
func (t *TransactionManager) Card() *card.CalypsoCard { return t.card }

// IsSessionOpen reports whether a secure session is currently open.
func (t *TransactionManager) IsSessionOpen() bool { return t.session.IsOpen() }

// extendedModeActive reports whether both policy and card agree on
// extended (rev3.2) mode, the gate for 8-byte challenges/MACs and early
// mutual authentication (spec §4.5).
func (t *TransactionManager) extendedModeActive() bool {
	return t.setting.ExtendedModeEnabled && t.card.Capabilities.ExtendedMode
}

// Prepare queues cmd for the next processing batch, enforcing the
// in-session scheduling rules and the session-modification-buffer budget
// before anything is transmitted (spec §4.5).
func (t *TransactionManager) Prepare(cmd command.Command) error {
	if t.session.IsOpen() || t.pending != nil {
		if !cmd.AllowedInSession() {
			return errs.New(errs.KindSessionAlreadyOpen, cmd.Name(),
				"command cannot be scheduled inside a secure session")
		}
		if cmd.UsesSessionBuffer() {
			if err := t.session.reserve(cmd.Name(), cmd.SessionBufferCost()); err != nil {
				return err
			}
		}
	}
	return t.cm.Add(cmd)
}

// PrepareOpenSecureSession records the intent to open a secure session at
// level, optionally fusing in an atomic read of sfi/recordNumber. The
// Open Secure Session APDU itself is built by the next ProcessCommands
// call, once the SAM challenge is in hand (spec §4.5 pre-open).
func (t *TransactionManager) PrepareOpenSecureSession(level sam.WriteAccessLevel, sfi, recordNumber byte) error {
	if t.session.IsOpen() || t.pending != nil {
		return errs.New(errs.KindSessionAlreadyOpen, "Open Secure Session", "a secure session is already open")
	}
	if t.setting.EarlyMutualAuthentication && !t.extendedModeActive() {
		return errs.New(errs.KindSessionAlreadyOpen, "Open Secure Session",
			"early mutual authentication requires extended mode support")
	}
	t.pending = &pendingOpen{level: level, sfi: sfi, recordNumber: recordNumber}
	return nil
}

// PrepareSVGet queues an SV Get announcing op as the operation that will
// follow (spec §4.4/§4.5).
func (t *TransactionManager) PrepareSVGet(op command.SVOperation) error {
	return t.Prepare(command.NewSVGet(op, t.extendedModeActive()))
}

// PrepareSVReload queues the terminal half of an SV Reload; the SAM half
// is spliced in during processing (spec §4.5).
func (t *TransactionManager) PrepareSVReload(amount int16, date, time [2]byte) error {
	return t.Prepare(command.NewSVReload(amount, date, time, t.setting.SVKey.KVC))
}

// PrepareSVDebit queues the terminal half of an SV Debit.
func (t *TransactionManager) PrepareSVDebit(amount int16, date, time [2]byte) error {
	if amount < 0 && !t.setting.SVNegativeBalanceAllowed {
		return errs.New(errs.KindCardIllegalParameter, "SV Debit", "negative balance not allowed by security setting")
	}
	return t.Prepare(command.NewSVDebit(amount, date, time, t.setting.SVKey.KVC))
}

// PrepareSVUndebit queues the terminal half of an SV Undebit.
func (t *TransactionManager) PrepareSVUndebit(amount int16, date, time [2]byte) error {
	return t.Prepare(command.NewSVUndebit(amount, date, time, t.setting.SVKey.KVC))
}

// PrepareCancelSecureSession discards every prepared-but-unsent command so
// the next ProcessCancel only ships the abort Close Secure Session.
// Calling it with nothing queued is a no-op (spec §5: the cancel path is
// side-effect-idempotent).
func (t *TransactionManager) PrepareCancelSecureSession() {
	t.cm.Reset()
}

// ProcessCommands transmits the queued batch to the PO, parses every
// response into the card image, and keeps the SAM digest in step when a
// session is open (spec §4.5 "processing batch").
func (t *TransactionManager) ProcessCommands(ctx context.Context) error {
	if !t.inUse.CompareAndSwap(false, true) {
		return errs.New(errs.KindConcurrentUse, "", "transaction manager already in use on another goroutine")
	}
	defer t.inUse.Store(false)
	return t.process(ctx, false)
}

// ProcessClosing processes any still-queued commands, then runs the close
// flow: SAM Digest Close, PO Close Secure Session, SAM Digest
// Authenticate (spec §4.5 "close flow"). On MAC mismatch the session is
// torn down and the authentication failure returned; the manager is back
// in IDLE either way.
func (t *TransactionManager) ProcessClosing(ctx context.Context) error {
	if !t.inUse.CompareAndSwap(false, true) {
		return errs.New(errs.KindConcurrentUse, "", "transaction manager already in use on another goroutine")
	}
	defer t.inUse.Store(false)
	if !t.session.IsOpen() && t.pending == nil {
		return errs.New(errs.KindSessionNotOpen, "Close Secure Session", "no secure session to close")
	}
	return t.process(ctx, true)
}

// ProcessCancel aborts the current session: it transmits Close Secure
// Session with P1=P2=Lc=0, discards the session context and skips the
// authentication check entirely (spec §4.5 Cancel/Abort). Safe to call at
// any time; a second cancel is a no-op.
func (t *TransactionManager) ProcessCancel(ctx context.Context) error {
	if !t.inUse.CompareAndSwap(false, true) {
		return errs.New(errs.KindConcurrentUse, "", "transaction manager already in use on another goroutine")
	}
	defer t.inUse.Store(false)
	t.abortSession(ctx)
	return nil
}

// ProcessVerifyPIN runs the standalone PIN verification flow of spec §4.5
// outside any session: plaintext when the policy allows it, otherwise
// card Get Challenge → SAM Card Cipher PIN → Verify PIN with the ciphered
// block. A wrong PIN surfaces as a PinAttempt(n) error and updates the
// card image's attempt counter.
func (t *TransactionManager) ProcessVerifyPIN(ctx context.Context, pin []byte) error {
	if !t.inUse.CompareAndSwap(false, true) {
		return errs.New(errs.KindConcurrentUse, "", "transaction manager already in use on another goroutine")
	}
	defer t.inUse.Store(false)

	if len(pin) != 4 {
		return errs.New(errs.KindCardIllegalParameter, "Verify PIN", "PIN must be 4 bytes")
	}
	if t.session.IsOpen() || t.pending != nil {
		return errs.New(errs.KindSessionAlreadyOpen, "Verify PIN",
			"standalone PIN verification must run outside a secure session")
	}

	var block []byte
	if t.setting.PinPlaintext {
		block = pin
	} else {
		gc := command.NewGetChallenge(8)
		if err := t.runCardSingle(ctx, gc); err != nil {
			return err
		}
		cipher := command.NewCardCipherPIN(gc.Challenge, t.setting.PinCipheringKey.KIF, t.setting.PinCipheringKey.KVC, pin)
		if err := t.runSAM(ctx, t.withDiversifier(cipher)...); err != nil {
			return err
		}
		block = cipher.CipheredBlock
	}

	verify := command.NewVerifyPIN(block)
	if err := t.runCardSingle(ctx, verify); err != nil {
		t.notePinAttempt(err)
		return err
	}
	return nil
}

// notePinAttempt mirrors a PinAttempt/PinBlocked failure into the card
// image's PIN state; the parser itself never mutates on failure (spec §8).
func (t *TransactionManager) notePinAttempt(err error) {
	var ce *errs.CalypsoError
	if !errors.As(err, &ce) || ce.StatusWord == nil {
		return
	}
	sw := *ce.StatusWord
	switch {
	case sw&0xFFF0 == 0x63C0:
		t.card.PIN.AttemptsRemaining = int(sw & 0x000F)
		t.card.PIN.Blocked = t.card.PIN.AttemptsRemaining == 0
	case sw == 0x6983:
		t.card.PIN.AttemptsRemaining = 0
		t.card.PIN.Blocked = true
	}
}

// process runs one batch against the PO (fusing a pending open at the
// front) and keeps the SAM digest in step; with closing set it then runs
// the close dance.
func (t *TransactionManager) process(ctx context.Context, closing bool) error {
	opening := t.pending != nil

	var openCmd *command.OpenSecureSession
	batch := t.cm.Commands()

	if opening {
		if err := t.ensureSamChallenge(ctx); err != nil {
			return err
		}
		openCmd = command.NewOpenSecureSession(
			t.pending.level, t.pending.sfi, t.pending.recordNumber, t.samChallenge,
			command.OpenSecureSessionContext{IsExtendedModeSupported: t.extendedModeActive()},
		)
		batch = append([]command.Command{openCmd}, batch...)
	}

	if t.cm.HasSVOperation() {
		if err := t.finalizeSVOperation(ctx); err != nil {
			return t.failBatch(ctx, err)
		}
	}

	var digestPairs [][]byte
	var svOpMAC []byte

	if len(batch) > 0 {
		requests := make([]reader.ApduRequest, 0, len(batch))
		rawRequests := make([][]byte, 0, len(batch))
		for _, cmd := range batch {
			req, err := cmd.Build(t.card)
			if err != nil {
				return t.failBatch(ctx, err)
			}
			ar := reader.NewApduRequest(req.Bytes)
			switch cmd.(type) {
			case *command.Increase, *command.Decrease:
				if t.card.Capabilities.CounterValuePostponed {
					ar = ar.Accept(0x6200)
				}
			}
			requests = append(requests, ar)
			rawRequests = append(rawRequests, req.Bytes)
		}

		t.logger.Debug("transmitting batch to PO", "commands", len(batch), "closing", closing)
		cardResp, err := t.po.Transmit(ctx, reader.CardRequest{
			ApduRequests:                 requests,
			StopOnUnsuccessfulStatusWord: true,
		})
		if err != nil {
			return t.failBatch(ctx, fmt.Errorf("transmit to PO: %w", err))
		}
		if len(cardResp.ApduResponses) > len(batch) {
			return t.failBatch(ctx, errs.New(errs.KindDesynchronizedExchanges, "",
				"reader returned more responses than requests"))
		}

		for i, r := range cardResp.ApduResponses {
			resp := apdu.Response{Data: r.Data, SW1: byte(r.SW >> 8), SW2: byte(r.SW)}
			cmd := batch[i]
			if err := cmd.Parse(resp, t.card); err != nil {
				return t.failBatch(ctx, err)
			}

			switch c := cmd.(type) {
			case *command.OpenSecureSession:
				if err := t.noteSessionOpened(c); err != nil {
					return t.failBatch(ctx, err)
				}
			case *command.SVGet:
				t.svGetHeader = append([]byte(nil), rawRequests[i][:4]...)
				t.svGetResponse = rawResponse(resp)
			case *command.SVOperationCommand:
				svOpMAC = append([]byte(nil), resp.Data...)
			}

			// The open exchange itself is covered by Digest Init's dataOut;
			// every later pair feeds Digest Update (spec §4.5 step 4).
			if t.session.IsOpen() && !(opening && i == 0) {
				digestPairs = append(digestPairs, rawRequests[i], rawResponse(resp))
			}
		}
		if len(cardResp.ApduResponses) < len(batch) {
			return t.failBatch(ctx, errs.New(errs.KindDesynchronizedExchanges, "",
				"reader stopped before answering every request"))
		}
	}

	t.cm.NotifyCommandsProcessed()
	svCheckDue := t.cm.ConsumeSVOperationComplete()

	// SAM phase: digest bring-up/updates, SV Check, and (when closing) the
	// terminal MAC, batched into as few round trips as possible.
	var samCmds []command.SAMCommand
	if opening && t.session.IsOpen() {
		samCmds = append(samCmds, command.NewDigestInit(
			t.session.previousSessionRatified, t.session.kif, t.session.kvc, t.session.preOpenDataOut))
	}
	for _, p := range digestPairs {
		samCmds = append(samCmds, command.NewDigestUpdate(p))
	}
	if svCheckDue {
		samCmds = append(samCmds, command.NewSVCheck(svOpMAC))
	}

	var digestClose *command.DigestClose
	if closing {
		digestClose = command.NewDigestClose(t.extendedModeActive())
		samCmds = append(samCmds, digestClose)
	}
	if err := t.runSAM(ctx, samCmds...); err != nil {
		return t.failBatch(ctx, err)
	}

	if !closing {
		return nil
	}

	closeCmd := command.NewCloseSecureSession(t.setting.RatificationEnabled, digestClose.TerminalMAC)
	if err := t.runCardSingle(ctx, closeCmd); err != nil {
		t.resetToIdle()
		return err
	}

	if err := t.runSAM(ctx, command.NewDigestAuthenticate(closeCmd.CardSignature)); err != nil {
		t.resetToIdle()
		return err
	}

	t.logger.Debug("secure session closed and authenticated")
	t.resetToIdle()
	return nil
}

// noteSessionOpened resolves the session key per the security policy and
// transitions the context to SESSION_OPEN (spec §4.5 open flow step 3).
func (t *TransactionManager) noteSessionOpened(open *command.OpenSecureSession) error {
	kif, err := t.setting.ResolveKIF(open.Level, open.KIF, open.KVC)
	if err != nil {
		return errs.Wrap(errs.KindCardSecurityContext, open.Name(), "cannot resolve session KIF", err)
	}
	if !t.setting.IsSessionKeyAuthorized(kif, open.KVC) {
		return errs.New(errs.KindCardSecurityContext, open.Name(),
			fmt.Sprintf("session key (KIF=%02X, KVC=%02X) not authorized by security setting", kif, open.KVC))
	}
	t.session.openAt(open.Level, t.extendedModeActive())
	t.session.kif = kif
	t.session.kvc = open.KVC
	t.session.previousSessionRatified = open.PreviousSessionRatified
	t.session.preOpenDataOut = open.DataOut
	t.pending = nil
	t.logger.Debug("secure session open",
		"level", open.Level.String(), "kif", kif, "kvc", open.KVC,
		"previousSessionRatified", open.PreviousSessionRatified)
	return nil
}

// finalizeSVOperation runs the SAM SV Prepare* matching the pending SV
// operation and splices its output into the PO command (spec §4.5 SV
// flow).
func (t *TransactionManager) finalizeSVOperation(ctx context.Context) error {
	op := t.cm.SVOperationCommand()
	if op == nil || op.Finalized() {
		return nil
	}
	if t.svGetHeader == nil {
		return errs.New(errs.KindDesynchronizedCommands, op.Name(), "SV Get has not been processed yet")
	}

	partial := op.PartialRequest()
	var prep command.SAMCommand
	var output func() command.SVPrepareOutput
	switch op.Operation {
	case command.SVReload:
		p := command.NewSVPrepareLoad(t.svGetHeader, t.svGetResponse, partial)
		prep, output = p, func() command.SVPrepareOutput { return p.Output }
	case command.SVDebit:
		p := command.NewSVPrepareDebit(t.svGetHeader, t.svGetResponse, partial)
		prep, output = p, func() command.SVPrepareOutput { return p.Output }
	default:
		p := command.NewSVPrepareUndebit(t.svGetHeader, t.svGetResponse, partial)
		prep, output = p, func() command.SVPrepareOutput { return p.Output }
	}

	if err := t.runSAM(ctx, t.withDiversifier(prep)...); err != nil {
		return err
	}
	op.FinalizeBuilder(output())
	return nil
}

// ensureSamChallenge fetches (and caches) the SAM challenge needed to
// build Open Secure Session, diversifying the SAM's keys with the card's
// serial first when one is known (spec §4.5 open flow step 1).
func (t *TransactionManager) ensureSamChallenge(ctx context.Context) error {
	if t.samChallenge != nil {
		return nil
	}
	gc := command.NewSAMGetChallenge(t.extendedModeActive() || t.card.ProductType.IsRev3Dot2())
	if err := t.runSAM(ctx, t.withDiversifier(gc)...); err != nil {
		return err
	}
	t.samChallenge = gc.Challenge
	return nil
}

// withDiversifier prefixes cmd with Select Diversifier on the first SAM
// exchange of the transaction, when the card's serial is known.
func (t *TransactionManager) withDiversifier(cmd command.SAMCommand) []command.SAMCommand {
	if t.diversified || len(t.card.Serial) == 0 {
		return []command.SAMCommand{cmd}
	}
	t.diversified = true
	return []command.SAMCommand{command.NewSelectDiversifier(t.card.Serial), cmd}
}

// runSAM ships cmds to the SAM in one round trip and parses every reply.
func (t *TransactionManager) runSAM(ctx context.Context, cmds ...command.SAMCommand) error {
	if len(cmds) == 0 {
		return nil
	}
	requests := make([]reader.ApduRequest, 0, len(cmds))
	for _, c := range cmds {
		req, err := c.Build(t.sam)
		if err != nil {
			return err
		}
		requests = append(requests, reader.NewApduRequest(req.Bytes))
	}
	resp, err := t.samIO.Transmit(ctx, reader.CardRequest{
		ApduRequests:                 requests,
		StopOnUnsuccessfulStatusWord: true,
	})
	if err != nil {
		return errs.Wrap(errs.KindCryptoServiceUnavailable, "", "SAM transmit failed", err)
	}
	if len(resp.ApduResponses) > len(cmds) {
		return errs.New(errs.KindDesynchronizedExchanges, "", "SAM returned more responses than requests")
	}
	for i, r := range resp.ApduResponses {
		if err := cmds[i].Parse(apdu.Response{Data: r.Data, SW1: byte(r.SW >> 8), SW2: byte(r.SW)}, t.sam); err != nil {
			return err
		}
	}
	if len(resp.ApduResponses) < len(cmds) {
		return errs.New(errs.KindDesynchronizedExchanges, "", "SAM stopped before answering every request")
	}
	return nil
}

// runCardSingle ships one PO command outside the normal batch machinery
// (PIN flow, close flow) and parses its reply.
func (t *TransactionManager) runCardSingle(ctx context.Context, cmd command.Command) error {
	req, err := cmd.Build(t.card)
	if err != nil {
		return err
	}
	resp, err := t.po.Transmit(ctx, reader.CardRequest{
		ApduRequests: []reader.ApduRequest{reader.NewApduRequest(req.Bytes)},
	})
	if err != nil {
		return fmt.Errorf("transmit to PO: %w", err)
	}
	if len(resp.ApduResponses) != 1 {
		return errs.New(errs.KindDesynchronizedExchanges, cmd.Name(), "expected exactly one response")
	}
	r := resp.ApduResponses[0]
	return cmd.Parse(apdu.Response{Data: r.Data, SW1: byte(r.SW >> 8), SW2: byte(r.SW)}, t.card)
}

// failBatch implements spec §7's in-session failure rule: transition to
// IDLE via a best-effort abort, then re-raise the original error.
func (t *TransactionManager) failBatch(ctx context.Context, err error) error {
	if t.session.IsOpen() {
		t.logger.Debug("aborting secure session after failure", "error", err)
		t.abortSession(ctx)
	} else {
		t.pending = nil
		t.cm.Reset()
	}
	return err
}

// abortSession transmits the abort Close Secure Session when a session is
// open and unconditionally resets to IDLE. Idempotent.
func (t *TransactionManager) abortSession(ctx context.Context) {
	if t.session.IsOpen() {
		ab := command.NewAbortSecureSession()
		if req, err := ab.Build(t.card); err == nil {
			_, _ = t.po.Transmit(ctx, reader.CardRequest{
				ApduRequests: []reader.ApduRequest{reader.NewApduRequest(req.Bytes)},
			})
		}
	}
	t.resetToIdle()
}

// resetToIdle clears every bit of per-session state; the card image keeps
// whatever the accepted responses already wrote into it (spec §8's failed
// close property).
func (t *TransactionManager) resetToIdle() {
	t.session.reset()
	t.cm.Reset()
	t.pending = nil
	t.samChallenge = nil
	t.svGetHeader = nil
	t.svGetResponse = nil
}

// rawResponse reassembles a response's wire bytes (data ‖ SW1 ‖ SW2) for
// the SAM digest.
func rawResponse(r apdu.Response) []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	out = append(out, r.SW1, r.SW2)
	return out
}
