package crm

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"success/api/internal/events"
	"success/api/internal/store"
	"success/api/internal/util"
)

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCanceled  = "canceled"
)

// dueBatch caps how many enrollments one scheduler tick picks up.
const dueBatch = 500

type SequenceInput struct {
	Name   string               `json:"name"`
	Steps  []store.SequenceStep `json:"steps"`
	Active *bool                `json:"active"`
}

func sequenceFromInput(id string, in SequenceInput) (store.Sequence, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Sequence{}, invalid("name", "is required")
	}
	if len(in.Steps) == 0 {
		return store.Sequence{}, invalid("steps", "at least one step is required")
	}
	steps := make(store.SequenceSteps, 0, len(in.Steps))
	for i, step := range in.Steps {
		step.Subject = strings.TrimSpace(step.Subject)
		switch {
		case step.DelayHours < 0:
			return store.Sequence{}, invalid(stepField(i, "delayHours"), "must not be negative")
		case step.Subject == "":
			return store.Sequence{}, invalid(stepField(i, "subject"), "is required")
		case strings.TrimSpace(step.Body) == "":
			return store.Sequence{}, invalid(stepField(i, "body"), "is required")
		}
		steps = append(steps, step)
	}
	return store.Sequence{
		ID:     id,
		Name:   name,
		Steps:  steps,
		Active: in.Active == nil || *in.Active,
	}, nil
}

func stepField(i int, name string) string {
	return "steps[" + strconv.Itoa(i) + "]." + name
}

func delay(step store.SequenceStep) time.Duration {
	return time.Duration(step.DelayHours) * time.Hour
}

func (s *Service) ListSequences(ctx context.Context) ([]store.Sequence, error) {
	return s.store.ListSequences(ctx)
}

func (s *Service) GetSequence(ctx context.Context, id string) (store.Sequence, error) {
	seq, err := s.store.GetSequence(ctx, id)
	return seq, notFound(err)
}

func (s *Service) CreateSequence(ctx context.Context, in SequenceInput) (store.Sequence, error) {
	seq, err := sequenceFromInput(util.NewID("seq"), in)
	if err != nil {
		return store.Sequence{}, err
	}
	if err := s.store.InsertSequence(ctx, seq); err != nil {
		return store.Sequence{}, err
	}
	created, err := s.GetSequence(ctx, seq.ID)
	if err != nil {
		return store.Sequence{}, err
	}
	s.publish(ctx, events.SequenceCreated, created.ID, created)
	return created, nil
}

// UpdateSequence replaces name, steps and the active flag. Enrollments keep
// their step index; ones past the new last step complete on their next run.
func (s *Service) UpdateSequence(ctx context.Context, id string, in SequenceInput) (store.Sequence, error) {
	seq, err := sequenceFromInput(id, in)
	if err != nil {
		return store.Sequence{}, err
	}
	if err := s.store.UpdateSequence(ctx, seq); err != nil {
		return store.Sequence{}, notFound(err)
	}
	updated, err := s.GetSequence(ctx, id)
	if err != nil {
		return store.Sequence{}, err
	}
	s.publish(ctx, events.SequenceUpdated, id, updated)
	return updated, nil
}

func (s *Service) DeleteSequence(ctx context.Context, id string) error {
	if err := deleted(s.store.DeleteSequence(ctx, id)); err != nil {
		return err
	}
	s.publish(ctx, events.SequenceDeleted, id, map[string]string{"id": id})
	return nil
}

func (s *Service) ListEnrollments(ctx context.Context, sequenceID string) ([]store.Enrollment, error) {
	if _, err := s.GetSequence(ctx, sequenceID); err != nil {
		return nil, err
	}
	return s.store.ListEnrollments(ctx, sequenceID)
}

// Enroll starts contactID on the sequence. The first step runs after its
// own delay.
func (s *Service) Enroll(ctx context.Context, sequenceID, contactID string) (store.Enrollment, error) {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return store.Enrollment{}, err
	}
	if !seq.Active {
		return store.Enrollment{}, ErrSequenceInactive
	}
	if strings.TrimSpace(contactID) == "" {
		return store.Enrollment{}, invalid("contactId", "is required")
	}
	contact, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Enrollment{}, invalid("contactId", "unknown contact")
		}
		return store.Enrollment{}, err
	}
	if contact.Status == ContactUnsubscribed {
		return store.Enrollment{}, invalid("contactId", "contact is unsubscribed")
	}

	now := s.now().UTC()
	e := store.Enrollment{
		ID:          util.NewID("enr"),
		SequenceID:  sequenceID,
		ContactID:   contactID,
		Status:      EnrollmentActive,
		CurrentStep: 0,
		NextRunAt:   now.Add(delay(seq.Steps[0])),
		EnrolledAt:  now,
	}
	if err := s.store.InsertEnrollment(ctx, e); err != nil {
		if errors.Is(err, store.ErrAlreadyEnrolled) {
			return store.Enrollment{}, ErrAlreadyEnrolled
		}
		return store.Enrollment{}, err
	}
	s.publish(ctx, events.SequenceEnrolled, sequenceID, e)
	return e, nil
}

func (s *Service) Unenroll(ctx context.Context, sequenceID, contactID string) error {
	ok, err := s.store.CancelEnrollment(ctx, sequenceID, contactID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.publish(ctx, events.SequenceUnenrolled, sequenceID, map[string]string{"sequenceId": sequenceID, "contactId": contactID})
	return nil
}

// ScheduleDueSteps publishes a step job for every enrollment whose next run
// has passed. A slow worker can see the same step twice; RunSequenceStep
// claims the step before sending so only one send happens.
func (s *Service) ScheduleDueSteps(ctx context.Context) (int, error) {
	due, err := s.store.DueEnrollments(ctx, s.now(), dueBatch)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	jobs := make([]events.Envelope, 0, len(due))
	for _, e := range due {
		evt, err := events.New(events.JobSequenceStep, e.ID, events.SequenceStepJob{EnrollmentID: e.ID, Step: e.CurrentStep})
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, evt)
	}
	if err := s.events.Publish(ctx, jobs...); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// RunSequenceStep sends the job's step and moves the enrollment on: to the
// next step with nextRunAt pushed by that step's delay, or to completed.
// Stale jobs are ignored.
func (s *Service) RunSequenceStep(ctx context.Context, job events.SequenceStepJob) error {
	e, err := s.store.GetEnrollment(ctx, job.EnrollmentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if e.Status != EnrollmentActive || e.CurrentStep != job.Step {
		return nil
	}
	seq, err := s.store.GetSequence(ctx, e.SequenceID)
	if err != nil {
		return notFound(err)
	}
	if !seq.Active {
		return nil
	}
	if job.Step >= len(seq.Steps) {
		_, err := s.store.CompleteEnrollment(ctx, e.ID, job.Step)
		return err
	}
	contact, err := s.store.GetContact(ctx, e.ContactID)
	if err != nil {
		if store.IsNotFound(err) {
			_, err = s.store.CancelEnrollment(ctx, e.SequenceID, e.ContactID)
		}
		return err
	}
	if contact.Status == ContactUnsubscribed {
		_, err := s.store.CancelEnrollment(ctx, e.SequenceID, e.ContactID)
		return err
	}

	// Delays accumulate from the scheduled time so a late tick does not
	// shift the rest of the sequence.
	due := e.NextRunAt
	if due.IsZero() {
		due = s.now().UTC()
	}
	var claimed bool
	if next := job.Step + 1; next < len(seq.Steps) {
		claimed, err = s.store.AdvanceEnrollment(ctx, e.ID, job.Step, due.Add(delay(seq.Steps[next])))
	} else {
		claimed, err = s.store.CompleteEnrollment(ctx, e.ID, job.Step)
	}
	if err != nil || !claimed {
		return err
	}

	if s.mailer == nil {
		return errors.New("mailer not configured")
	}
	step := seq.Steps[job.Step]
	if err := s.mailer.SendMarketing(contact.Email, contact.FirstName, step.Subject, step.Body, s.unsubscribeLink(contact.ID)); err != nil {
		s.logger.Warn("sequence step send failed",
			zap.String("enrollment_id", e.ID), zap.Int("step", job.Step), zap.Error(err))
		return err
	}
	return nil
}
