package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	ErrDuplicate       = errors.New("record already exists")
	ErrAlreadyEnrolled = errors.New("contact already enrolled in sequence")
)

// CRMStore persists CRM records through sqlx.
type CRMStore struct {
	db *sqlx.DB
}

func NewCRMStore(db *sqlx.DB) *CRMStore {
	return &CRMStore{db: db}
}

// WithTx runs fn in a transaction, rolling back on error or panic.
func (s *CRMStore) WithTx(ctx context.Context, reason string, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin transaction (%s)", reason)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = errors.Wrapf(rbErr, "rollback transaction (%s)", reason)
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit transaction (%s)", reason)
	}
	committed = true
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func affected(res sql.Result) bool {
	n, _ := res.RowsAffected()
	return n > 0
}

// Contacts

const contactColumns = `id, email, first_name, last_name, company, phone, tags, source, status, notes, created_at, updated_at`

func (s *CRMStore) ListContacts(ctx context.Context, filter ContactFilter) ([]Contact, int, error) {
	conds := []string{"TRUE"}
	args := []any{}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+strings.ToLower(q)+"%")
		conds = append(conds, fmt.Sprintf(
			"(LOWER(email) LIKE $%[1]d OR LOWER(first_name || ' ' || last_name) LIKE $%[1]d OR LOWER(company) LIKE $%[1]d)", len(args)))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		conds = append(conds, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	limit, offset := pageBounds(ContentFilter{Limit: filter.Limit, Offset: filter.Offset})
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total
		FROM contacts
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, contactColumns, strings.Join(conds, " AND "), len(args)-1, len(args))

	var rows []struct {
		Contact
		Total int `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, errors.Wrap(err, "list contacts")
	}
	items := make([]Contact, 0, len(rows))
	total := 0
	for _, row := range rows {
		items = append(items, row.Contact)
		total = row.Total
	}
	if len(rows) == 0 && offset > 0 {
		countQuery := `SELECT COUNT(*) FROM contacts WHERE ` + strings.Join(conds, " AND ")
		if err := s.db.GetContext(ctx, &total, countQuery, args[:len(args)-2]...); err != nil {
			return nil, 0, errors.Wrap(err, "count contacts")
		}
	}
	return items, total, nil
}

func (s *CRMStore) GetContact(ctx context.Context, id string) (Contact, error) {
	var c Contact
	if err := s.db.GetContext(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, id); err != nil {
		return Contact{}, errors.Wrap(err, "get contact")
	}
	return c, nil
}

func (s *CRMStore) GetContactByEmail(ctx context.Context, email string) (Contact, error) {
	var c Contact
	if err := s.db.GetContext(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE email=LOWER($1)`, email); err != nil {
		return Contact{}, errors.Wrap(err, "get contact by email")
	}
	return c, nil
}

func (s *CRMStore) InsertContact(ctx context.Context, c Contact) error {
	if c.Tags == nil {
		c.Tags = pq.StringArray{}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO contacts (id, email, first_name, last_name, company, phone, tags, source, status, notes)
		VALUES (:id, LOWER(:email), :first_name, :last_name, :company, :phone, :tags, :source, :status, :notes)
	`, c)
	if isUniqueViolation(err) {
		return errors.Wrap(ErrDuplicate, "insert contact")
	}
	return errors.Wrap(err, "insert contact")
}

func (s *CRMStore) UpdateContact(ctx context.Context, c Contact) error {
	if c.Tags == nil {
		c.Tags = pq.StringArray{}
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE contacts SET email=LOWER(:email), first_name=:first_name, last_name=:last_name, company=:company,
			phone=:phone, tags=:tags, source=:source, status=:status, notes=:notes, updated_at=NOW()
		WHERE id=:id
	`, c)
	if isUniqueViolation(err) {
		return errors.Wrap(ErrDuplicate, "update contact")
	}
	if err != nil {
		return errors.Wrap(err, "update contact")
	}
	if !affected(res) {
		return errors.Wrap(sql.ErrNoRows, "update contact")
	}
	return nil
}

func (s *CRMStore) DeleteContact(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id=$1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete contact")
	}
	return affected(res), nil
}

// AddContactTags merges tags into the contact's tag set.
func (s *CRMStore) AddContactTags(ctx context.Context, id string, tags []string) (Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c, `
		UPDATE contacts
		SET tags = ARRAY(SELECT DISTINCT t FROM unnest(tags || $2::text[]) AS t ORDER BY t), updated_at=NOW()
		WHERE id=$1
		RETURNING `+contactColumns, id, pq.Array(tags))
	if err != nil {
		return Contact{}, errors.Wrap(err, "add contact tags")
	}
	return c, nil
}

func (s *CRMStore) RemoveContactTags(ctx context.Context, id string, tags []string) (Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c, `
		UPDATE contacts
		SET tags = ARRAY(SELECT t FROM unnest(tags) AS t WHERE NOT (t = ANY($2::text[])) ORDER BY t), updated_at=NOW()
		WHERE id=$1
		RETURNING `+contactColumns, id, pq.Array(tags))
	if err != nil {
		return Contact{}, errors.Wrap(err, "remove contact tags")
	}
	return c, nil
}

// UpsertContacts imports contacts keyed by e-mail in one transaction and
// reports how many rows were created and updated.
func (s *CRMStore) UpsertContacts(ctx context.Context, contacts []Contact) (created, updated int, err error) {
	err = s.WithTx(ctx, "import contacts", func(tx *sqlx.Tx) error {
		for _, c := range contacts {
			if c.Tags == nil {
				c.Tags = pq.StringArray{}
			}
			var inserted bool
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO contacts (id, email, first_name, last_name, company, phone, tags, source, status, notes)
				VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (email) DO UPDATE SET
					first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), contacts.first_name),
					last_name = COALESCE(NULLIF(EXCLUDED.last_name, ''), contacts.last_name),
					company = COALESCE(NULLIF(EXCLUDED.company, ''), contacts.company),
					phone = COALESCE(NULLIF(EXCLUDED.phone, ''), contacts.phone),
					tags = ARRAY(SELECT DISTINCT t FROM unnest(contacts.tags || EXCLUDED.tags) AS t ORDER BY t),
					updated_at = NOW()
				RETURNING (xmax = 0)
			`, c.ID, c.Email, c.FirstName, c.LastName, c.Company, c.Phone, c.Tags, c.Source, c.Status, c.Notes).Scan(&inserted)
			if err != nil {
				return errors.Wrapf(err, "upsert contact %s", c.Email)
			}
			if inserted {
				created++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

// AudienceContacts returns reachable contacts carrying any of tags, or all
// reachable contacts when tags is empty.
func (s *CRMStore) AudienceContacts(ctx context.Context, tags []string) ([]Contact, error) {
	items := make([]Contact, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE status <> 'unsubscribed' AND (cardinality($1::text[]) = 0 OR tags && $1::text[])
		ORDER BY created_at
	`, pq.Array(tags))
	if err != nil {
		return nil, errors.Wrap(err, "resolve audience")
	}
	return items, nil
}

// Deals

const dealColumns = `id, title, contact_id, amount, currency, stage, expected_close_date, owner_id, created_at, updated_at`

func (s *CRMStore) ListDeals(ctx context.Context, stage string) ([]Deal, error) {
	items := make([]Deal, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+dealColumns+` FROM deals WHERE $1 = '' OR stage = $1 ORDER BY updated_at DESC
	`, stage)
	if err != nil {
		return nil, errors.Wrap(err, "list deals")
	}
	return items, nil
}

func (s *CRMStore) GetDeal(ctx context.Context, id string) (Deal, error) {
	var d Deal
	if err := s.db.GetContext(ctx, &d, `SELECT `+dealColumns+` FROM deals WHERE id=$1`, id); err != nil {
		return Deal{}, errors.Wrap(err, "get deal")
	}
	return d, nil
}

func (s *CRMStore) InsertDeal(ctx context.Context, d Deal) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO deals (id, title, contact_id, amount, currency, stage, expected_close_date, owner_id)
		VALUES (:id, :title, :contact_id, :amount, :currency, :stage, :expected_close_date, :owner_id)
	`, d)
	return errors.Wrap(err, "insert deal")
}

func (s *CRMStore) UpdateDeal(ctx context.Context, d Deal) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE deals SET title=:title, contact_id=:contact_id, amount=:amount, currency=:currency, stage=:stage,
			expected_close_date=:expected_close_date, owner_id=:owner_id, updated_at=NOW()
		WHERE id=:id
	`, d)
	if err != nil {
		return errors.Wrap(err, "update deal")
	}
	if !affected(res) {
		return errors.Wrap(sql.ErrNoRows, "update deal")
	}
	return nil
}

func (s *CRMStore) SetDealStage(ctx context.Context, id, stage string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET stage=$2, updated_at=NOW() WHERE id=$1`, id, stage)
	if err != nil {
		return errors.Wrap(err, "set deal stage")
	}
	if !affected(res) {
		return errors.Wrap(sql.ErrNoRows, "set deal stage")
	}
	return nil
}

func (s *CRMStore) DeleteDeal(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deals WHERE id=$1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete deal")
	}
	return affected(res), nil
}

func (s *CRMStore) Pipeline(ctx context.Context) ([]PipelineStage, error) {
	items := make([]PipelineStage, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT stage, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total FROM deals GROUP BY stage
	`)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline summary")
	}
	return items, nil
}

// Campaigns

const campaignColumns = `id, name, subject, body, status, audience_tags, scheduled_at, sent_at, recipients,
	sent_count, failed_count, created_by, created_at, updated_at`

func (s *CRMStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	items := make([]Campaign, 0)
	if err := s.db.SelectContext(ctx, &items, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`); err != nil {
		return nil, errors.Wrap(err, "list campaigns")
	}
	return items, nil
}

func (s *CRMStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	if err := s.db.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id); err != nil {
		return Campaign{}, errors.Wrap(err, "get campaign")
	}
	return c, nil
}

func (s *CRMStore) InsertCampaign(ctx context.Context, c Campaign) error {
	if c.AudienceTags == nil {
		c.AudienceTags = pq.StringArray{}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO campaigns (id, name, subject, body, status, audience_tags, scheduled_at, created_by)
		VALUES (:id, :name, :subject, :body, :status, :audience_tags, :scheduled_at, :created_by)
	`, c)
	return errors.Wrap(err, "insert campaign")
}

func (s *CRMStore) UpdateCampaign(ctx context.Context, c Campaign) error {
	if c.AudienceTags == nil {
		c.AudienceTags = pq.StringArray{}
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE campaigns SET name=:name, subject=:subject, body=:body, status=:status, audience_tags=:audience_tags,
			scheduled_at=:scheduled_at, updated_at=NOW()
		WHERE id=:id
	`, c)
	if err != nil {
		return errors.Wrap(err, "update campaign")
	}
	if !affected(res) {
		return errors.Wrap(sql.ErrNoRows, "update campaign")
	}
	return nil
}

func (s *CRMStore) DeleteCampaign(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete campaign")
	}
	return affected(res), nil
}

// StartCampaign flips a draft or scheduled campaign to sending and queues a
// delivery row per recipient. It reports false when the campaign was not
// in a sendable state.
func (s *CRMStore) StartCampaign(ctx context.Context, id string, recipients []Contact) (bool, error) {
	started := false
	err := s.WithTx(ctx, "start campaign", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET status='sending', recipients=$2, sent_count=0, failed_count=0, updated_at=NOW()
			WHERE id=$1 AND status IN ('draft', 'scheduled')
		`, id, len(recipients))
		if err != nil {
			return errors.Wrap(err, "mark campaign sending")
		}
		if !affected(res) {
			return nil
		}
		started = true
		for _, c := range recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO campaign_deliveries (campaign_id, contact_id, email) VALUES ($1, $2, $3)
				ON CONFLICT (campaign_id, contact_id) DO NOTHING
			`, id, c.ID, c.Email); err != nil {
				return errors.Wrap(err, "queue delivery")
			}
		}
		if len(recipients) == 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET status='sent', sent_at=NOW() WHERE id=$1`, id); err != nil {
				return errors.Wrap(err, "finish empty campaign")
			}
		}
		return nil
	})
	return started, err
}

// RecordDelivery stores the outcome of one queued delivery. Repeated reports
// for the same recipient are ignored. The campaign is marked sent once every
// delivery has an outcome.
func (s *CRMStore) RecordDelivery(ctx context.Context, campaignID, contactID string, sendErr error) error {
	status, message := "sent", ""
	if sendErr != nil {
		status, message = "failed", sendErr.Error()
	}
	return s.WithTx(ctx, "record delivery", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaign_deliveries SET status=$3, error=$4, updated_at=NOW()
			WHERE campaign_id=$1 AND contact_id=$2 AND status='queued'
		`, campaignID, contactID, status, message)
		if err != nil {
			return errors.Wrap(err, "update delivery")
		}
		if !affected(res) {
			return nil
		}
		counter := "sent_count"
		if status == "failed" {
			counter = "failed_count"
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at=NOW() WHERE id=$1
		`, campaignID)
		if err != nil {
			return errors.Wrap(err, "bump campaign counters")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET status='sent', sent_at=NOW()
			WHERE id=$1 AND status='sending' AND sent_count + failed_count >= recipients
		`, campaignID)
		return errors.Wrap(err, "finish campaign")
	})
}

func (s *CRMStore) ListDeliveries(ctx context.Context, campaignID string) ([]CampaignDelivery, error) {
	items := make([]CampaignDelivery, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT campaign_id, contact_id, email, status, error, updated_at
		FROM campaign_deliveries WHERE campaign_id=$1 ORDER BY email
	`, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, "list deliveries")
	}
	return items, nil
}

// DueCampaigns lists scheduled campaigns whose send time has passed.
func (s *CRMStore) DueCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	items := make([]Campaign, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+campaignColumns+` FROM campaigns WHERE status='scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "list due campaigns")
	}
	return items, nil
}

// Tickets

const ticketColumns = `id, subject, description, contact_id, status, priority, assignee_id, created_at, updated_at`

func (s *CRMStore) ListTickets(ctx context.Context, status, assigneeID string) ([]Ticket, error) {
	items := make([]Ticket, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR assignee_id = $2)
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, created_at
	`, status, assigneeID)
	if err != nil {
		return nil, errors.Wrap(err, "list tickets")
	}
	return items, nil
}

func (s *CRMStore) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var t Ticket
	if err := s.db.GetContext(ctx, &t, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id); err != nil {
		return Ticket{}, errors.Wrap(err, "get ticket")
	}
	return t, nil
}

func (s *CRMStore) InsertTicket(ctx context.Context, t Ticket) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tickets (id, subject, description, contact_id, status, priority, assignee_id)
		VALUES (:id, :subject, :description, :contact_id, :status, :priority, :assignee_id)
	`, t)
	return errors.Wrap(err, "insert ticket")
}

func (s *CRMStore) UpdateTicket(ctx context.Context, t Ticket) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE tickets SET subject=:subject, description=:description, contact_id=:contact_id, status=:status,
			priority=:priority, assignee_id=:assignee_id, updated_at=NOW()
		WHERE id=:id
	`, t)
	if err != nil {
		return errors.Wrap(err, "update ticket")
	}
	if !affected(res) {
		return errors.Wrap(sql.ErrNoRows, "update ticket")
	}
	return nil
}

func (s *CRMStore) DeleteTicket(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE id=$1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete ticket")
	}
	return affected(res), nil
}

func (s *CRMStore) InsertTicketComment(ctx context.Context, c TicketComment) error {
	return s.WithTx(ctx, "add ticket comment", func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO ticket_comments (id, ticket_id, author_id, body, internal)
			VALUES (:id, :ticket_id, :author_id, :body, :internal)
		`, c); err != nil {
			return errors.Wrap(err, "insert ticket comment")
		}
		_, err := tx.ExecContext(ctx, `UPDATE tickets SET updated_at=NOW() WHERE id=$1`, c.TicketID)
		return errors.Wrap(err, "touch ticket")
	})
}

func (s *CRMStore) ListTicketComments(ctx context.Context, ticketID string, includeInternal bool) ([]TicketComment, error) {
	items := make([]TicketComment, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, ticket_id, author_id, body, internal, created_at
		FROM ticket_comments
		WHERE ticket_id=$1 AND (NOT internal OR $2)
		ORDER BY created_at
	`, ticketID, includeInternal)
	if err != nil {
		return nil, errors.Wrap(err, "list ticket comments")
	}
	return items, nil
}

// Sequences

const sequenceColumns = `id, name, steps, active, created_at, updated_at`

func (s *CRMStore) ListSequences(ctx context.Context) ([]Sequence, error) {
	items := make([]Sequence, 0)
	if err := s.db.SelectContext(ctx, &items, `SELECT `+sequenceColumns+` FROM sequences ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "list sequences")
	}
	return items, nil
}

func (s *CRMStore) GetSequence(ctx context.Context, id string) (Sequence, error) {
	var seq Sequence
	if err := s.db.GetContext(ctx, &seq, `SELECT `+sequenceColumns+` FROM sequences WHERE id=$1`, id); err != nil {
		return Sequence{}, errors.Wrap(err, "get sequence")
	}
	return seq, nil
}

func (s *CRMStore) InsertSequence(ctx context.Context, seq Sequence) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sequences (id, name, steps, active) VALUES (:id, :name, :steps, :active)
	`, seq)
	return errors.Wrap(err, "insert sequence")
}

func (s *CRMStore) UpdateSequence(ctx context.Context, seq Sequence) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE sequences SET name=:name, steps=:steps, active=:active, updated_at=NOW() WHERE id=:id
	`, seq)
	if err != nil {
		return errors.Wrap(err, "update sequence")
	}
	if !affected(res) {
		return errors.Wrap(sql.ErrNoRows, "update sequence")
	}
	return nil
}

func (s *CRMStore) DeleteSequence(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE id=$1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete sequence")
	}
	return affected(res), nil
}

const enrollmentColumns = `id, sequence_id, contact_id, status, current_step, next_run_at, enrolled_at, completed_at`

func (s *CRMStore) InsertEnrollment(ctx context.Context, e Enrollment) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sequence_enrollments (id, sequence_id, contact_id, status, current_step, next_run_at)
		VALUES (:id, :sequence_id, :contact_id, :status, :current_step, :next_run_at)
	`, e)
	if isUniqueViolation(err) {
		return ErrAlreadyEnrolled
	}
	return errors.Wrap(err, "insert enrollment")
}

// CancelEnrollment stops the contact's active enrollment in a sequence.
func (s *CRMStore) CancelEnrollment(ctx context.Context, sequenceID, contactID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET status='canceled', completed_at=NOW()
		WHERE sequence_id=$1 AND contact_id=$2 AND status='active'
	`, sequenceID, contactID)
	if err != nil {
		return false, errors.Wrap(err, "cancel enrollment")
	}
	return affected(res), nil
}

func (s *CRMStore) GetEnrollment(ctx context.Context, id string) (Enrollment, error) {
	var e Enrollment
	if err := s.db.GetContext(ctx, &e, `SELECT `+enrollmentColumns+` FROM sequence_enrollments WHERE id=$1`, id); err != nil {
		return Enrollment{}, errors.Wrap(err, "get enrollment")
	}
	return e, nil
}

func (s *CRMStore) ListEnrollments(ctx context.Context, sequenceID string) ([]Enrollment, error) {
	items := make([]Enrollment, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+enrollmentColumns+` FROM sequence_enrollments WHERE sequence_id=$1 ORDER BY enrolled_at
	`, sequenceID)
	if err != nil {
		return nil, errors.Wrap(err, "list enrollments")
	}
	return items, nil
}

// DueEnrollments lists active enrollments in active sequences that are ready
// for their next step.
func (s *CRMStore) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]Enrollment, error) {
	items := make([]Enrollment, 0)
	err := s.db.SelectContext(ctx, &items, `
		SELECT e.id, e.sequence_id, e.contact_id, e.status, e.current_step, e.next_run_at, e.enrolled_at, e.completed_at
		FROM sequence_enrollments e
		JOIN sequences s ON s.id = e.sequence_id
		WHERE e.status='active' AND s.active AND e.next_run_at <= $1
		ORDER BY e.next_run_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due enrollments")
	}
	return items, nil
}

// AdvanceEnrollment moves an enrollment from step `from` to the next one.
// It reports false when another worker already advanced it.
func (s *CRMStore) AdvanceEnrollment(ctx context.Context, id string, from int, nextRunAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET current_step=$2 + 1, next_run_at=$3
		WHERE id=$1 AND status='active' AND current_step=$2
	`, id, from, nextRunAt)
	if err != nil {
		return false, errors.Wrap(err, "advance enrollment")
	}
	return affected(res), nil
}

func (s *CRMStore) CompleteEnrollment(ctx context.Context, id string, from int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET current_step=$2 + 1, status='completed', completed_at=NOW()
		WHERE id=$1 AND status='active' AND current_step=$2
	`, id, from)
	if err != nil {
		return false, errors.Wrap(err, "complete enrollment")
	}
	return affected(res), nil
}

// Dashboard

func (s *CRMStore) Counts(ctx context.Context) (CRMCounts, error) {
	var counts CRMCounts
	err := s.db.GetContext(ctx, &counts, `
		SELECT
			(SELECT COUNT(*) FROM contacts) AS contacts,
			(SELECT COUNT(*) FROM tickets WHERE status IN ('open', 'pending')) AS open_tickets,
			(SELECT COUNT(*) FROM deals WHERE stage NOT IN ('won', 'lost')) AS open_deals,
			(SELECT COALESCE(SUM(amount), 0) FROM deals WHERE stage NOT IN ('won', 'lost')) AS open_deals_value
	`)
	if err != nil {
		return CRMCounts{}, errors.Wrap(err, "crm counts")
	}
	return counts, nil
}

func (s *CRMStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
