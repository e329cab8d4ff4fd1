package dashboard

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Repository is the dashboard data source. Returned values are copies the
// caller may keep.
type Repository interface {
	ListPatients(ctx context.Context) ([]Patient, error)
	GetPatient(ctx context.Context, id string) (*PatientDetail, error)
	GetVitals(ctx context.Context, patientID string) (*Vitals, error)

	ListAppointments(ctx context.Context, patientID string) ([]Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error

	ListCarePlans(ctx context.Context, patientID string) ([]CarePlan, error)
	GetCarePlan(ctx context.Context, id string) (*CarePlan, error)

	ListRooms(ctx context.Context) ([]ChatRoom, error)
	GetRoom(ctx context.Context, id string) (*ChatRoom, error)
	ListMessages(ctx context.Context, roomID string) ([]ChatMessage, error)
	AddMessage(ctx context.Context, m *ChatMessage) error
}

// MemoryRepository serves the seeded fixtures and keeps created appointments
// and messages in memory. It is safe for concurrent use.
type MemoryRepository struct {
	mu           sync.RWMutex
	patients     []PatientDetail
	vitals       map[string]Vitals
	appointments []Appointment
	carePlans    []CarePlan
	rooms        []ChatRoom
	messages     map[string][]ChatMessage
}

// NewMemoryRepository returns a repository seeded with the demo fixtures.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{
		patients:     seedPatients(),
		vitals:       make(map[string]Vitals),
		appointments: seedAppointments(),
		carePlans:    seedCarePlans(),
		rooms:        seedRooms(),
		messages:     seedMessages(),
	}
	for _, p := range r.patients {
		r.vitals[p.ID] = seedVitals()
	}
	return r
}

func (r *MemoryRepository) ListPatients(_ context.Context) ([]Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Patient, 0, len(r.patients))
	for _, p := range r.patients {
		out = append(out, p.Patient)
	}
	return out, nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id string) (*PatientDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patients {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetVitals(_ context.Context, patientID string) (*Vitals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vitals[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

// ListAppointments returns appointments ordered by date. An empty patientID
// matches every patient.
func (r *MemoryRepository) ListAppointments(_ context.Context, patientID string) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Appointment, 0, len(r.appointments))
	for _, a := range r.appointments {
		if patientID == "" || a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.ID == a.PatientID {
			a.PatientName = p.Name
			break
		}
	}
	r.appointments = append(r.appointments, *a)
	return nil
}

func (r *MemoryRepository) ListCarePlans(_ context.Context, patientID string) ([]CarePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CarePlan, 0, len(r.carePlans))
	for _, cp := range r.carePlans {
		if patientID == "" || cp.PatientID == patientID {
			cp.Progress = nil
			out = append(out, cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetCarePlan(_ context.Context, id string) (*CarePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cp := range r.carePlans {
		if cp.ID == id {
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListRooms returns rooms without participants, most recently active first.
func (r *MemoryRepository) ListRooms(_ context.Context) ([]ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChatRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		room.Participants = nil
		room.LastMessage = copyLast(room.LastMessage)
		out = append(out, room)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (r *MemoryRepository) GetRoom(_ context.Context, id string) (*ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.ID == id {
			room.LastMessage = copyLast(room.LastMessage)
			room.Participants = append([]Participant(nil), room.Participants...)
			return &room, nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns the room's messages in chronological order.
func (r *MemoryRepository) ListMessages(_ context.Context, roomID string) ([]ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasRoomLocked(roomID) {
		return nil, ErrNotFound
	}
	return append([]ChatMessage{}, r.messages[roomID]...), nil
}

// AddMessage appends m and updates the room's last activity.
func (r *MemoryRepository) AddMessage(_ context.Context, m *ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rooms {
		if r.rooms[i].ID != m.RoomID {
			continue
		}
		r.messages[m.RoomID] = append(r.messages[m.RoomID], *m)
		r.rooms[i].LastActivity = m.Timestamp
		r.rooms[i].LastMessage = &LastMessage{Content: m.Content, Timestamp: m.Timestamp, Sender: m.Sender.Name}
		return nil
	}
	return ErrNotFound
}

func (r *MemoryRepository) hasRoomLocked(id string) bool {
	for _, room := range r.rooms {
		if room.ID == id {
			return true
		}
	}
	return false
}

func copyLast(m *LastMessage) *LastMessage {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
