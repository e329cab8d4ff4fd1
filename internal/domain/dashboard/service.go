// Package dashboard serves the patient portal views: patients, vitals,
// appointments, care plans and chat rooms. It also backs the realtime chat
// hub.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
)

const (
	DefaultVitalsPeriod = "7d"
	DefaultMessageLimit = 50

	minAppointmentMinutes = 15
	maxAppointmentMinutes = 180
	maxMessageLength      = 4000
)

var periodPattern = regexp.MustCompile(`^[1-9][0-9]{0,2}[dwmy]$`)

type Service struct {
	repo  Repository
	now   func() time.Time
	newID func() string
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now, newID: uuid.NewString}
}

func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	return s.repo.ListPatients(ctx)
}

func (s *Service) GetPatient(ctx context.Context, id string) (*PatientDetail, error) {
	p, err := s.repo.GetPatient(ctx, id)
	return p, notFound(err, "Patient not found")
}

// GetVitals returns the vitals report for patientID over period, for
// example "7d" or "3m". An empty period selects DefaultVitalsPeriod.
func (s *Service) GetVitals(ctx context.Context, patientID, period string) (*VitalsReport, error) {
	if period == "" {
		period = DefaultVitalsPeriod
	}
	if !periodPattern.MatchString(period) {
		return nil, apierror.Validation(apierror.Detail{
			Field: "period", Message: "must be a count followed by d, w, m or y",
		})
	}
	v, err := s.repo.GetVitals(ctx, patientID)
	if err != nil {
		return nil, notFound(err, "Patient not found")
	}
	return &VitalsReport{PatientID: patientID, Period: period, Vitals: *v}, nil
}

// ListAppointments lists appointments, optionally for one patient.
func (s *Service) ListAppointments(ctx context.Context, patientID string) ([]Appointment, error) {
	return s.repo.ListAppointments(ctx, patientID)
}

// CreateAppointment validates req and books a Scheduled appointment.
func (s *Service) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	var details []apierror.Detail
	required := func(field string, v *string) string {
		if v == nil || strings.TrimSpace(*v) == "" {
			details = append(details, apierror.Detail{Field: field, Message: "is required"})
			return ""
		}
		return strings.TrimSpace(*v)
	}

	a := &Appointment{
		PatientID: required("patientId", req.PatientID),
		Provider:  required("provider", req.Provider),
		Type:      required("type", req.Type),
		Status:    AppointmentScheduled,
	}

	if raw := required("date", req.Date); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			details = append(details, apierror.Detail{Field: "date", Message: "must be an ISO 8601 date"})
		}
		a.Date = date
	}

	switch {
	case req.Duration == nil:
		details = append(details, apierror.Detail{Field: "duration", Message: "is required"})
	case *req.Duration < minAppointmentMinutes || *req.Duration > maxAppointmentMinutes:
		details = append(details, apierror.Detail{
			Field:   "duration",
			Message: fmt.Sprintf("must be between %d and %d minutes", minAppointmentMinutes, maxAppointmentMinutes),
		})
	default:
		a.Duration = *req.Duration
	}

	if req.Notes != nil {
		a.Notes = *req.Notes
	}
	if len(details) > 0 {
		return nil, apierror.Validation(details...)
	}

	now := s.now().UTC()
	a.ID = s.newID()
	a.CreatedAt = &now
	if err := s.repo.CreateAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return a, nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (s *Service) ListCarePlans(ctx context.Context, patientID string) ([]CarePlan, error) {
	return s.repo.ListCarePlans(ctx, patientID)
}

func (s *Service) GetCarePlan(ctx context.Context, id string) (*CarePlan, error) {
	cp, err := s.repo.GetCarePlan(ctx, id)
	return cp, notFound(err, "Care plan not found")
}

func (s *Service) ListRooms(ctx context.Context) ([]ChatRoom, error) {
	return s.repo.ListRooms(ctx)
}

func (s *Service) GetRoom(ctx context.Context, id string) (*ChatRoom, error) {
	room, err := s.repo.GetRoom(ctx, id)
	return room, notFound(err, "Chat room not found")
}

// ListMessages returns the latest limit messages of a room, oldest first.
func (s *Service) ListMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, apierror.Validation(apierror.Detail{Field: "roomId", Message: "is required"})
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	msgs, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, notFound(err, "Chat room not found")
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SendMessage validates req and stores it as a message from sender.
func (s *Service) SendMessage(ctx context.Context, sender *auth.Principal, req PostMessageRequest) (*ChatMessage, error) {
	if sender == nil {
		return nil, auth.APIError(auth.ErrUnauthenticated)
	}

	var details []apierror.Detail
	if strings.TrimSpace(req.RoomID) == "" {
		details = append(details, apierror.Detail{Field: "roomId", Message: "is required"})
	}
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		details = append(details, apierror.Detail{Field: "content", Message: "is required"})
	case len(content) > maxMessageLength:
		details = append(details, apierror.Detail{Field: "content", Message: fmt.Sprintf("must be at most %d characters", maxMessageLength)})
	}
	msgType := req.Type
	if msgType == "" {
		msgType = MessageText
	}
	if !validMessageTypes[msgType] {
		details = append(details, apierror.Detail{Field: "type", Message: "must be one of text, image, file"})
	}
	if len(details) > 0 {
		return nil, apierror.Validation(details...)
	}

	m := &ChatMessage{
		ID:     s.newID(),
		RoomID: req.RoomID,
		Sender: MessageSender{
			ID:   sender.ID,
			Name: sender.Name,
			Role: string(sender.Role),
		},
		Content:   content,
		Type:      msgType,
		Timestamp: s.now().UTC(),
	}
	if err := s.repo.AddMessage(ctx, m); err != nil {
		return nil, notFound(err, "Chat room not found")
	}
	return m, nil
}

// CanJoin allows any authenticated principal into an existing room.
func (s *Service) CanJoin(ctx context.Context, roomID string, p *auth.Principal) error {
	if p == nil {
		return auth.APIError(auth.ErrUnauthenticated)
	}
	_, err := s.GetRoom(ctx, roomID)
	return err
}

// PostMessage stores a message sent over a chat connection.
func (s *Service) PostMessage(ctx context.Context, roomID string, sender *auth.Principal, content, msgType string) (any, error) {
	m, err := s.SendMessage(ctx, sender, PostMessageRequest{RoomID: roomID, Content: content, Type: msgType})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// notFound converts ErrNotFound into a NotFound API error with msg.
func notFound(err error, msg string) error {
	if errors.Is(err, ErrNotFound) {
		return apierror.Wrap(apierror.KindNotFound, msg, err)
	}
	return err
}
