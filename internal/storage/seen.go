package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/spigell/opportunity-radar/internal/radar"
)

func (s *Store) SeenExists(ctx context.Context, fp radar.Fingerprint) (bool, error) {
	row, err := s.queryRow(ctx, sq.Select("1").From("seen_items").Where(sq.Eq{"fingerprint": fp.String()}).Limit(1))
	if err != nil {
		return false, err
	}

	var one int
	switch err := row.Scan(&one); {
	case err == nil:
		return true, nil
	case isNoRows(err):
		return false, nil
	default:
		return false, fmt.Errorf("query seen item: %w", err)
	}
}

// InsertSeen records a fingerprint. A repeated fingerprint returns radar.ErrPersistenceConflict.
func (s *Store) InsertSeen(ctx context.Context, rec radar.SeenRecord) error {
	seenAt := rec.SeenAt
	if seenAt.IsZero() {
		seenAt = s.now()
	}

	_, err := s.exec(ctx, sq.Insert("seen_items").
		Columns("fingerprint", "source_id", "url", "seen_at").
		Values(rec.Fingerprint.String(), nullString(rec.SourceID), nullString(rec.URL), formatTime(seenAt)))
	if isUniqueViolation(err) {
		return fmt.Errorf("seen item %s: %w", rec.Fingerprint, radar.ErrPersistenceConflict)
	}
	if err != nil {
		return fmt.Errorf("insert seen item: %w", err)
	}

	return nil
}

// RecordEmail adds a message to the per-mailbox ledger. A message that was
// already recorded returns radar.ErrDuplicateItem.
func (s *Store) RecordEmail(ctx context.Context, rec radar.EmailRecord) error {
	_, err := s.exec(ctx, sq.Insert("raw_emails").
		Columns("source_id", "mailbox", "message_id", "subject", "sender", "received_at", "recorded_at").
		Values(nullString(rec.SourceID), rec.Mailbox, rec.MessageID, nullString(rec.Subject), nullString(rec.Sender), nullTime(rec.ReceivedAt), formatTime(s.now())))
	if isUniqueViolation(err) {
		return fmt.Errorf("email %s in %s: %w", rec.MessageID, rec.Mailbox, radar.ErrDuplicateItem)
	}
	if err != nil {
		return fmt.Errorf("record email: %w", err)
	}

	return nil
}

// EmailRecorded reports whether the message is already in the ledger.
func (s *Store) EmailRecorded(ctx context.Context, mailbox, messageID string) (bool, error) {
	row, err := s.queryRow(ctx, sq.Select("1").From("raw_emails").
		Where(sq.Eq{"mailbox": mailbox, "message_id": messageID}).Limit(1))
	if err != nil {
		return false, err
	}

	var one int
	switch err := row.Scan(&one); {
	case err == nil:
		return true, nil
	case isNoRows(err):
		return false, nil
	default:
		return false, fmt.Errorf("query email ledger: %w", err)
	}
}
