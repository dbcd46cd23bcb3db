package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegisgate/core/pkg/apperr"
	"github.com/aegisgate/core/pkg/audit"
	"github.com/aegisgate/core/pkg/detect"
	"github.com/aegisgate/core/pkg/mask"
	"github.com/aegisgate/core/pkg/rules"
	"github.com/aegisgate/core/pkg/scan"
	"github.com/aegisgate/core/pkg/tenants"
)

// Scanner is the scan engine seen from the append protocol.
type Scanner interface {
	Scan(ctx context.Context, text string, tenantID *string) (scan.Result, error)
}

// AppendConfig tunes action side effects.
type AppendConfig struct {
	// NullContentOnMask also nulls the original content when the final action
	// is mask. The default keeps the original and adds the masked rendition.
	NullContentOnMask bool
}

// Appender performs the atomic message-append protocol: lock the
// conversation row, assign the next sequence, scan, apply the action, and
// commit message plus audit entry together.
type Appender struct {
	store      *Store
	scanner    Scanner
	membership tenants.MembershipChecker
	trail      *audit.Trail
	cfg        AppendConfig
	logger     *slog.Logger
}

// NewAppender wires the protocol's collaborators.
func NewAppender(store *Store, scanner Scanner, membership tenants.MembershipChecker,
	trail *audit.Trail, cfg AppendConfig, logger *slog.Logger) *Appender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Appender{
		store:      store,
		scanner:    scanner,
		membership: membership,
		trail:      trail,
		cfg:        cfg,
		logger:     logger.With("component", "appender"),
	}
}

// CreatePersonal starts a personal conversation owned by userID.
func (a *Appender) CreatePersonal(ctx context.Context, userID, title, modelName string, temperature *float64) (Conversation, error) {
	c := Conversation{
		OwnerUserID: userID,
		Title:       title,
		ModelName:   modelName,
		Temperature: temperature,
	}
	if err := a.store.Create(ctx, &c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// CreateTenant starts a tenant-scoped conversation. Unlike the read paths,
// a missing membership here is a real Forbidden: the caller named the tenant
// themselves, so there is nothing to leak.
func (a *Appender) CreateTenant(ctx context.Context, userID, tenantID, title, modelName string, temperature *float64) (Conversation, error) {
	ok, err := a.membership.IsActiveMember(ctx, userID, tenantID)
	if err != nil {
		return Conversation{}, fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return Conversation{}, apperr.Forbidden("tenant membership required",
			apperr.Detail{Field: "tenant_id", Reason: "not_a_member"})
	}
	c := Conversation{
		OwnerUserID: userID,
		TenantID:    &tenantID,
		Title:       title,
		ModelName:   modelName,
		Temperature: temperature,
	}
	if err := a.store.Create(ctx, &c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// AppendUserMessage runs the append protocol for one user message.
//
// The conversation row stays locked from the sequence read until commit, so
// concurrent writers to the same conversation serialize and sequences stay
// dense. A scan failure rolls everything back (no sequence gap) and leaves a
// record on the audit trail instead of the message log. PolicyBlocked is
// returned only after a successful commit so the audit state survives.
func (a *Appender) AppendUserMessage(ctx context.Context, conversationID, userID, content string, inputType InputType) (Message, error) {
	if content == "" {
		return Message{}, apperr.Validation("content must not be empty",
			apperr.Detail{Field: "content", Reason: "empty"})
	}
	if inputType == "" {
		inputType = InputUser
	}

	tx, err := a.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	c, err := a.store.LockForAppend(ctx, tx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, apperr.NotFound("conversation not found")
		}
		return Message{}, err
	}
	if err := a.authorize(ctx, c, userID); err != nil {
		return Message{}, err
	}

	seq := c.LastSequenceNumber + 1
	if err := a.store.BumpSequence(ctx, tx, c.ID, seq); err != nil {
		return Message{}, err
	}

	result, err := a.scanner.Scan(ctx, content, c.TenantID)
	if err != nil {
		// The deferred rollback returns the staged sequence; the failure is
		// recorded out-of-band so the trail still sees it.
		a.recordScanFailure(c, err)
		return Message{}, scanError(err)
	}

	msg, err := a.buildMessage(c, seq, content, inputType, result)
	if err != nil {
		return Message{}, err
	}
	if err := a.store.InsertMessage(ctx, tx, &msg); err != nil {
		return Message{}, err
	}

	if err := a.trail.RecordTx(ctx, tx, audit.Entry{
		Kind:           audit.KindScanResolved,
		ConversationID: c.ID,
		MessageID:      msg.ID,
		TenantID:       c.TenantID,
		Action:         string(result.FinalAction),
		RiskScore:      result.RiskScore,
		MatchedKeys:    matchKeys(result.Matches),
		ContentHash:    msg.ContentHash,
	}); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}
	committed = true

	if result.FinalAction == rules.ActionBlock {
		return msg, apperr.PolicyBlocked("message blocked by policy")
	}
	return msg, nil
}

// ListMessages returns the log, applying the same 404-style access rule as
// the append path.
func (a *Appender) ListMessages(ctx context.Context, conversationID, userID string) ([]Message, error) {
	c, err := a.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, err
	}
	if err := a.authorize(ctx, c, userID); err != nil {
		return nil, err
	}
	return a.store.ListMessages(ctx, conversationID)
}

// authorize enforces ownership or membership, always surfacing NotFound so
// that unauthorized callers cannot distinguish a denied conversation from a
// missing one.
func (a *Appender) authorize(ctx context.Context, c Conversation, userID string) error {
	if c.TenantID == nil {
		if c.OwnerUserID != userID {
			return apperr.NotFound("conversation not found")
		}
		return nil
	}
	ok, err := a.membership.IsActiveMember(ctx, userID, *c.TenantID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return apperr.NotFound("conversation not found")
	}
	return nil
}

func (a *Appender) buildMessage(c Conversation, seq int64, content string, inputType InputType, result scan.Result) (Message, error) {
	msg := Message{
		ConversationID: c.ID,
		Role:           RoleUser,
		SequenceNumber: seq,
		InputType:      inputType,
		ContentHash:    sha256Hex(content),
		ScanStatus:     ScanDone,
		ScanVersion:    1,
		PreRagAction:   result.FinalAction,
		FinalAction:    result.FinalAction,
		RiskScore:      result.RiskScore,
		Ambiguous:      result.Ambiguous,
		MatchedRuleIDs: matchIDs(result.Matches),
		LatencyMS:      result.LatencyMS,
	}

	switch result.FinalAction {
	case rules.ActionBlock:
		// content and mask stay nil; only the hash survives.
	case rules.ActionMask:
		spans := make([]mask.Span, len(result.Entities))
		for i, e := range result.Entities {
			spans[i] = mask.Span{Type: e.Type, Start: e.Start, End: e.End}
		}
		// Entity offsets refer to the NFC form the scan ran over.
		masked, err := mask.Apply(detect.NormalizeInput(content), spans)
		if err != nil {
			return Message{}, fmt.Errorf("mask content: %w", err)
		}
		msg.ContentMasked = &masked
		if !a.cfg.NullContentOnMask {
			msg.Content = &content
		}
	default:
		msg.Content = &content
	}

	summary, err := json.Marshal(map[string]any{
		"entities":      result.Entities,
		"signals":       result.Signals,
		"matched_rules": result.Matches,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal scan summary: %w", err)
	}
	msg.EntitiesJSON = summary
	return msg, nil
}

// recordScanFailure writes the failure to the trail in its own transaction,
// after the append transaction has been abandoned.
func (a *Appender) recordScanFailure(c Conversation, scanErr error) {
	err := a.trail.Record(context.Background(), audit.Entry{
		Kind:           audit.KindScanFailed,
		ConversationID: c.ID,
		TenantID:       c.TenantID,
		Detail:         scanErr.Error(),
	})
	if err != nil {
		a.logger.Error("recording scan failure", "conversation", c.ID, "error", err)
	}
}

func scanError(err error) error {
	if errors.Is(err, rules.ErrMalformed) {
		return apperr.RuleMalformed(err.Error())
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("scan: %w", err)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func matchKeys(matches []rules.Match) []string {
	keys := make([]string, len(matches))
	for i, m := range matches {
		keys[i] = m.StableKey
	}
	return keys
}

func matchIDs(matches []rules.Match) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.RuleID
	}
	return ids
}
